package manifest

import "os"

// defaultManifest mirrors the original docker-compose debug harness: a
// witnet node with host networking plus a python test runner that starts
// after it. TEST_NAME selects the script, defaulting to example.py.
const defaultManifest = `version: "3"
services:
  node:
    image: witnet/debug-run
    command: ["-c", "/witnet/witnet.toml", "node", "server"]
    network_mode: host
    environment:
      RUST_LOG: witnet=debug
    ports:
      - "21337-22336:21337"
    volumes:
      - ".:/witnet:ro"
  tester:
    image: witnet/python-tester
    command: ["${TEST_NAME:-example}.py"]
    network_mode: host
    environment:
      PYTHONUNBUFFERED: "1"
    volumes:
      - "docker/python-tester:/tests:ro"
      - "examples:/requests:ro"
    depends_on:
      - node
    wait_for:
      node: tcp:21337
`

// Default returns the built-in two-service manifest, interpolated against
// the process environment.
func Default() (*Manifest, error) {
	return Parse([]byte(defaultManifest), os.LookupEnv)
}
