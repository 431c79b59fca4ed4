package buildinfo

// Version is overridden at link time with -ldflags "-X go2tv.app/castkeeper/internal/buildinfo.Version=...".
var Version = "dev"
