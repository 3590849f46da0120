package main

import "campus-chat/cmd/chatclient/cmd"

func main() {
	cmd.Execute()
}
