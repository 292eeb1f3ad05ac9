// Package catalog provides the Plex client the scan jobs query.
//
// Search resolves a library section by title and walks its items page by page,
// yielding entities lazily so a job can stop early or fail on the first
// transport error. Only the attributes the jobs filter and store on are decoded.
package catalog
