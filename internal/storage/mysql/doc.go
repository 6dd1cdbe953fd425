// Package mysql persists finished conversation turns. It provides a MySQL
// repository with embedded schema migrations and a JSON-lines file
// repository for local development.
package mysql
