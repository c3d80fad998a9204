//go:build !linux

package reader

import "os"

// fadviseSequential is a no-op off Linux.
func fadviseSequential(*os.File) {}
