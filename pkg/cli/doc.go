// Package cli implements the chaser command line interface.
package cli
