//go:build !unix

package safety

import "fmt"

func freeBytesAt(path string) (uint64, error) {
	return 0, fmt.Errorf("safety: free space check unsupported on this platform")
}
