// Package stores keeps the converge history of a host in SQLite: one row per
// pass, the per-resource outcomes and every notification that fired. The
// schema is managed with golang-migrate from embedded migrations.
package stores
