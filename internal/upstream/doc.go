// Package upstream talks to the platform's GraphQL endpoints.
//
// Endpoints, methods and feature flags are not hard-coded: they come from an
// operation catalog that is fetched at startup and refreshed periodically.
// Every request runs through a credential.Pool, so a call only fails once every
// credential has been tried.
package upstream
