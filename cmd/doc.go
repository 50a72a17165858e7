// Package cmd defines the newsfetcher CLI: run performs one fetch cycle,
// schedule repeats it on an interval, and serve exposes the HTTP trigger.
package cmd
