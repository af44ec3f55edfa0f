package version

// Version is overridden at build time:
//
//	go build -ldflags "-X github.com/NowakAdmin/SerialLink/internal/version.Version=v0.3.0"
var Version = "dev"
