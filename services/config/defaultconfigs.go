package config

// -----------------------------------------------------------------------------
// Built-in configuration
//
// Every file or flag setting is layered over this document, so a config file
// only needs the keys it changes.
// -----------------------------------------------------------------------------

const defaultYAML = `
color: "#ffffff"
brightness: 30
bus: -1
sysfs: /sys
log_level: warning
smbus:
  attempts: 4
  retry_base: 20ms
  settle: 10ms
`
