// nudgebot schedules messages for delivery to Letta agents: one-shot, cron
// and interval schedules, a delivery daemon, and an MCP tool server.
package main

func main() {
	Execute()
}
