// Command divarbot scrapes Divar car listings for a Telegram bot and an HTTP API.
//
// Surfaces:
//   - serve: runs the HTTP API on HOST:PORT, the worker pool behind it and
//     the Telegram bot. Either can be disabled with --no-http or --no-bot.
//   - scrape URL: runs one scrape in-process and writes cars.xlsx.
//
// Configuration comes from an optional .env file, DIVARBOT_* environment
// variables (HOST, PORT, HEADLESS and TELEGRAM_TOKEN are also honored) and an
// optional config file passed with --config.
package main

import "github.com/JakeFAU/divar-listing-bot/cmd"

func main() {
	cmd.Execute()
}
