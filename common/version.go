package common

// Version is the service version. Overridden at build time:
//
//	go build -ldflags "-X github.com/strongroom/strongroom/common.Version=v1.2.3"
var Version = "dev"
