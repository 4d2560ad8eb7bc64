// Package cluster holds the records and JSON helpers shared by the service
// registry server and its clients.
//
// # Records
//
// WorkerHandle is what an actor publishes about itself when it joins the
// swarm. Search workers publish the directory they own under the
// "file-search" tag; the pool manager and the analysis bridge publish under
// their own tags with an empty root.
//
// # Wire format
//
// The registry speaks plain HTTP/JSON:
//
//	POST /register     RegisterRequest      -> 204
//	POST /deregister   DeregisterRequest    -> 204
//	GET  /services?tag FindResponse         -> 200
//	GET  /health                            -> 200
//
// PostJSON and GetJSON wrap the request/response plumbing with a shared
// client that carries a five second timeout. Non-2xx replies surface as
// errors carrying the URL and status code.
package cluster
