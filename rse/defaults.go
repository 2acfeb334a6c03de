// Package rse holds application-wide defaults shared across the engine packages.
package rse

const (
	DefaultAppName = "refsession"

	DefaultConfigPath   = "/etc/refsession"
	DefaultDatabasePath = "./data/refsession.db"
	DefaultTemplateDir  = "./templates"

	DefaultListenAddr = ":8087"
)
