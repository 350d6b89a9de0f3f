package cmd

// Version is set via -ldflags at release build time; "dev" otherwise.
var Version = "dev"
