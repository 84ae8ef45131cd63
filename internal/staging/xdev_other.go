//go:build !unix

package staging

func isCrossDevice(error) bool {
	return false
}
