// autopilot drives a backlog of tasks to completion with a pool of CLI
// coding agents, unattended.
package main

func main() {
	Execute()
}
