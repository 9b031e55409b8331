// Package config defines the agent configuration and its layered loading.
//
// Configuration is assembled from four tiers, later tiers overriding earlier
// ones field-by-field: compiled-in defaults, the base file
// /etc/azinit.toml, every *.toml file in /etc/azinit.d in lexicographic
// order, and finally an optional CLI-supplied file or directory. The merged
// value is validated against closed variant sets before anything else in the
// agent runs; a bad layer fails the whole load.
package config
