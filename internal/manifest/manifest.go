package manifest

// Version is overridden at build time with -ldflags "-X fwlink/internal/manifest.Version=...".
var Version = "dev"
