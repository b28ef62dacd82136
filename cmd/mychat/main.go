// Command mychat is a line-oriented terminal client: it connects, logs
// on (or registers), and turns stdin lines into chat commands.
package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/andriy/mychat/pkg/client"
	"github.com/andriy/mychat/pkg/crypto"
	"github.com/andriy/mychat/pkg/protocol"
)

func main() {
	fs := flag.NewFlagSet("mychat", flag.ContinueOnError)

	var (
		address       string
		login         string
		password      string
		register      bool
		keyPath       string
		serverKeyPath string
	)
	fs.StringVarP(&address, "server", "s", "localhost:4550", "Server address")
	fs.StringVarP(&login, "login", "l", "", "Login name")
	fs.StringVarP(&password, "password", "P", "", "Password")
	fs.BoolVarP(&register, "register", "r", false, "Register a new account instead of logging on")
	fs.StringVar(&keyPath, "key", "~/.mychat/client_key.pem", "Client signing key (PEM)")
	fs.StringVar(&serverKeyPath, "server-key", "~/.mychat/server_verify.pem", "Server verify key (PEM)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if login == "" || password == "" {
		fmt.Fprintln(os.Stderr, "both --login and --password are required")
		fs.Usage()
		os.Exit(2)
	}

	signingKey, err := crypto.LoadOrCreateSigningKey(expandHome(keyPath))
	if err != nil {
		log.Fatalf("Failed to load client key: %v", err)
	}
	serverKey, err := crypto.LoadVerifyKey(expandHome(serverKeyPath))
	if err != nil {
		log.Fatalf("Failed to load server verify key: %v", err)
	}

	config := client.DefaultConfig(address)
	config.SigningKey = signingKey
	config.ServerKey = serverKey

	c, err := client.Dial(config)
	if err != nil {
		log.Fatalf("Connection failed: %v", err)
	}
	defer c.Close()

	if register {
		err = c.Register(login, password)
	} else {
		err = c.Logon(login, password)
	}
	if err != nil {
		log.Fatalf("Logon failed: %v", err)
	}
	fmt.Printf("Logged on as %s\n", login)

	c.StartListener(func(msg *protocol.ChatMessage) {
		switch msg.Type {
		case protocol.OpRoomMessage:
			fmt.Printf("[%s] %s: %s\n", msg.Dest, msg.Source, msg.Message)
		case protocol.OpDirectMessage:
			fmt.Printf("(direct) %s: %s\n", msg.Source, msg.Message)
		case protocol.OpBroadcast:
			fmt.Printf("(all) %s: %s\n", msg.Source, msg.Message)
		}
	})

	currentRoom := ""
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if currentRoom == "" {
				fmt.Println("join a room first: /join <room> <password>")
				continue
			}
			if err := c.SendRoomMessage(currentRoom, line); err != nil {
				fmt.Printf("send failed: %v\n", err)
			}
			continue
		}

		cmd := strings.SplitN(line, " ", 3)
		switch cmd[0] {
		case "/join":
			if len(cmd) < 2 {
				fmt.Println("usage: /join <room> [password]")
				continue
			}
			pass := ""
			if len(cmd) == 3 {
				pass = cmd[2]
			}
			if err := c.JoinRoom(cmd[1], pass); err != nil {
				fmt.Printf("join failed: %v\n", err)
				continue
			}
			currentRoom = cmd[1]
			fmt.Printf("Joined %s\n", currentRoom)
		case "/leave":
			if currentRoom == "" {
				continue
			}
			if err := c.LeaveRoom(currentRoom); err != nil {
				fmt.Printf("leave failed: %v\n", err)
				continue
			}
			fmt.Printf("Left %s\n", currentRoom)
			currentRoom = ""
		case "/rooms":
			rooms, err := c.ListRooms()
			if err != nil {
				fmt.Printf("list failed: %v\n", err)
				continue
			}
			fmt.Printf("Rooms: %s\n", strings.Join(rooms, ", "))
		case "/members":
			room := currentRoom
			if len(cmd) >= 2 {
				room = cmd[1]
			}
			members, err := c.RoomMembers(room)
			if err != nil {
				fmt.Printf("members failed: %v\n", err)
				continue
			}
			fmt.Printf("Members of %s: %s\n", room, strings.Join(members, ", "))
		case "/msg":
			if len(cmd) < 3 {
				fmt.Println("usage: /msg <user> <text>")
				continue
			}
			if err := c.SendDirectMessage(cmd[1], cmd[2]); err != nil {
				fmt.Printf("send failed: %v\n", err)
			}
		case "/all":
			if len(cmd) < 2 {
				fmt.Println("usage: /all <text>")
				continue
			}
			if err := c.SendBroadcast(strings.TrimPrefix(line, "/all ")); err != nil {
				fmt.Printf("send failed: %v\n", err)
			}
		case "/quit":
			if err := c.Logout(); err != nil {
				fmt.Printf("logout failed: %v\n", err)
			}
			return
		default:
			fmt.Println("commands: /join /leave /rooms /members /msg /all /quit")
		}
	}
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}
