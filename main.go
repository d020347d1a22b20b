// netterm — terminal client for the netdata device console.
//
// Attaches an interactive terminal to managed network devices through
// the console's websocket relay.
//
// Usage:
//
//	netterm connect sw-core-01 --url https://console.lab
//	netterm connect dev --url http://127.0.0.1:7681   # against devserver
//	netterm devserver                                 # local relay
package main

import "github.com/moimran/netdata-sub001/cmd"

var version = "dev"

func main() {
	cmd.Execute(version)
}
