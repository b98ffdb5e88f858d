// Package server hosts the Fiber HTTP service that sits in front of the SPA.
// Every request is mapped back to the URL the page would have used (the app
// origin for the app host, a remote origin for anything else) and handed to a
// ProxyHandler together with the client identity. Control and diagnostics
// routes live under /-/ and are registered separately by package routes.
package server
