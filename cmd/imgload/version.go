package main

// BuildNumber is injected at link time.
var BuildNumber = "dev"
