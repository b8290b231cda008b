// Package common contains common flags
package common

import "flag"

// FlagHelp is used to request the help screen
var FlagHelp = flag.Bool("help", false, "Print usage")
