// Package config provides configuration management for the DS Cars server,
// admin surfaces and bot.
//
// The config package handles:
//   - Loading settings from a YAML file
//   - Falling back to built-in defaults when no file exists
//   - Environment overrides (DSCARS_* variables)
//   - Validation of every field and of the port allow-list
//
// Configuration Format:
//
//	server:
//	  ports: [24816, 48162, 16248]
//	  default_port: 24816
//	  max_sessions: 0
//	  fault_threshold: 5
//	  write_timeout: 5s
//	  codec: json
//	admin:
//	  enabled: true
//	  addr: localhost:8080
//	maps: [Easy, Medium, Hard]
//
// Fields left out of the file keep their default values.
//
// Usage:
//
//	manager, err := config.NewManager("configs/dscars.yml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	settings := manager.Get()
//	if !settings.IsAllowedPort(port) {
//		// refuse
//	}
package config
