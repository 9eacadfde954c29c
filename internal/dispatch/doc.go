// Package dispatch turns inbound chat text into monitor commands.
//
// Every message first registers its sender as a notification recipient. The command
// is the first whitespace-separated token containing "~"; its argument is always the
// second token of the message. Routing is exact and case-sensitive:
//
//	~add <url>           start monitoring url
//	~remove <url>        stop monitoring url
//	~list                list monitored urls
//	~CMD_list            list commands
//	~settings            show settings
//	~set_delay <min>     change the poll delay (fractional minutes)
//	~recipient_list      list registered recipients
//
// Anything else is answered with "cmd '<token>' not found".
package dispatch
