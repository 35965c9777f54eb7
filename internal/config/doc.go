// Package config loads the configuration file of the hocuspocus command.
//
// The file is hocuspocus.yaml, hocuspocus.yml or hocuspocus.json in the
// working directory, or any path given with --config. JSON is read with the
// same YAML decoder, so both formats accept the same keys.
//
// # Configuration File Structure
//
//	name: editor
//	host: 0.0.0.0
//	port: 1234
//	timeout: 30s
//	metricsPath: /metrics
//	healthPath: /healthz
//	log:
//	  level: info
//	  format: auto
//	throttle:
//	  limit: 15
//	  window: 60s
//	  banTime: 5m
//	persistence:
//	  driver: sqlite
//	  dsn: file:documents.db
//	  debounce: 2s
//	  maxDebounce: 10s
//	webhook:
//	  url: https://example.com/hooks/hocuspocus
//	  secret: s3cret
//	  events: [change, connect]
//	policy:
//	  connect: 'documentName startsWith "public/" || parameters.key == "letmein"'
//	  authenticate: 'token != ""'
//
// # Usage
//
//	cfg, err := config.Load(".")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Println("Address:", cfg.Address())
package config
