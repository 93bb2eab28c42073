// Package testutil contains helper builders and utilities used across tests
// to reduce boilerplate when constructing events and requests, draining event
// iterators and asserting error codes. They are not intended for production
// usage.
package testutil
