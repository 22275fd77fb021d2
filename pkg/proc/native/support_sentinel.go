// This file is used to detect build on unsupported GOOS/GOARCH combinations.

//go:build !linux || !amd64
// +build !linux !amd64

package your_platform_is_not_supported_by_rd
