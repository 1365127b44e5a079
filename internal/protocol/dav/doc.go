// Package dav implements the WebDAV resource handlers run by the admission
// pool's workers.
//
// # Architecture Overview
//
//   - Route Layer (routes.go): the ordered route table handed to the router
//   - Dispatch Layer (dispatch.go): resolves a request and invokes its handler
//   - Handler Layer (get.go, write.go, propfind.go, ...): per-method protocol logic
//   - Storage Layer (store.go, resource.go): backend access through a pooled
//     connection held for the whole request
//
// # Resource Model
//
// Every resource is one backend key. Files are stored under their path
// (/docs/a.txt) and collections under their path with a trailing slash
// (/docs/). The root collection always exists. A value carries a small
// header (modification time, content type) followed by the body.
//
// # Caching
//
// GET/HEAD and PROPFIND responses are cached in the response namespace of
// the shared cache. Any write invalidates the written resource, everything
// below it, and the enumerations of every ancestor collection.
//
// # Locking
//
// LOCK hands out exclusive write locks with opaque tokens. A write to a
// locked resource, or below a locked collection, fails with 423 unless the
// request's If header carries the token.
package dav
