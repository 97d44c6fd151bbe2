// Package cmd holds the command tree of the pokeball-mouse binary.
package cmd

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `help:"Log level" enum:"trace,debug,info,warn,error" default:"info" env:"POKEBALL_LOG_LEVEL"`
	File  string `help:"Also write logs to this file" env:"POKEBALL_LOG_FILE"`
}

// CLI is the root of the command tree.
type CLI struct {
	Log    LogConfig `embed:"" prefix:"log."`
	Config string    `help:"Config file (json, yaml or toml)" env:"POKEBALL_CONFIG"`

	Run       Run           `cmd:"" default:"withargs" help:"Drive a virtual mouse from the controller"`
	Calibrate Calibrate     `cmd:"" help:"Measure the resting stick position and save it"`
	Dashboard Dashboard     `cmd:"" help:"Show a live byte comparison of incoming packets"`
	XTest     XTest         `cmd:"" name:"xtest" help:"Run the phased X-axis isolation test"`
	Record    Record        `cmd:"" help:"Record raw packets to a JSONL capture"`
	ConfigCmd ConfigCommand `cmd:"" name:"config" help:"Configuration helpers"`
}
