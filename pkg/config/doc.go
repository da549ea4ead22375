// Package config loads the declarative manifest that binds class names
// to tables, sources, and index wiring (the DOMAIN STACK's config
// section): a YAML document shaped like a warren deployment manifest,
// parsed with gopkg.in/yaml.v3. The manifest only binds names — the
// transform and indexBy functions it refers to are ordinary Go code
// registered by the application and looked up by name at startup; this
// package never interprets or executes anything from the file itself.
package config
