// Package storage provides persistent key/value storage for the meal tracker.
// It uses BadgerDB as the embedded database and stores values as JSON.
package storage
