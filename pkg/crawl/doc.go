// Package crawl defines the contract between the crawl host and site plugins:
// the request/response model, labeled data units, edges with record lineage,
// the three-function Plugin interface, and the error taxonomy plugins and the
// scheduler share.
package crawl
