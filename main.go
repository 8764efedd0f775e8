package main

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"messapp/config"
	"messapp/db"
	"messapp/protocol"
	"messapp/server"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "messapp",
	Short: "Instant messaging server",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		database, err := db.New(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer database.Close()

		srv := server.New(database, &server.ServerConfig{
			Port:         cfg.Port,
			ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		})

		// Start control socket for management commands
		go startControlSocket(srv, cfg.ControlSocket)

		// Handle signals for graceful shutdown
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		go func() {
			sig := <-sigChan
			log.Printf("Received signal %v, shutting down...", sig)
			srv.Shutdown("maintenance")
			os.Remove(cfg.ControlSocket)
			os.Exit(0)
		}()

		return srv.Start()
	},
}

// Регистрация — административная операция: клиенты не могут завести
// учётную запись по сети
var addUserCmd = &cobra.Command{
	Use:   "adduser <login> <password> [pubkey]",
	Short: "Register a user account",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		database, err := db.New(cfg.DBPath)
		if err != nil {
			return err
		}
		defer database.Close()

		login, password := args[0], args[1]
		pubkey := ""
		if len(args) == 3 {
			pubkey = args[2]
		}

		if err := database.AddUser(login, protocol.PasswordHash(login, password), pubkey); err != nil {
			return fmt.Errorf("failed to add user %s: %w", login, err)
		}

		fmt.Printf("User %s registered\n", login)
		return nil
	},
}

var delUserCmd = &cobra.Command{
	Use:   "deluser <login>",
	Short: "Remove a user account and everything referencing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		database, err := db.New(cfg.DBPath)
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.RemoveUser(args[0]); err != nil {
			if errors.Is(err, db.ErrNoRows) {
				return fmt.Errorf("no such user: %s", args[0])
			}
			return err
		}

		fmt.Printf("User %s removed\n", args[0])
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show statistics of a running server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		conn, err := net.DialTimeout("unix", cfg.ControlSocket, 5*time.Second)
		if err != nil {
			return fmt.Errorf("is the server running? %w", err)
		}
		defer conn.Close()

		if _, err := conn.Write([]byte("stats\n")); err != nil {
			return err
		}

		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			return err
		}

		fmt.Print(strings.TrimPrefix(line, "OK|"))
		return nil
	},
}

func startControlSocket(srv *server.Server, path string) {
	// Remove existing socket file
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		log.Printf("Failed to create control socket: %v", err)
		return
	}
	defer listener.Close()
	defer os.Remove(path)

	log.Printf("Control socket listening on %s", path)

	for {
		conn, err := listener.Accept()
		if err != nil {
			continue
		}

		go handleControlCommand(srv, conn, path)
	}
}

func handleControlCommand(srv *server.Server, conn net.Conn, path string) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	line = strings.TrimSpace(line)
	parts := strings.SplitN(line, "|", 2)

	switch parts[0] {
	case "stats":
		conn.Write([]byte("OK|" + srv.GetStats() + "\n"))

	case "shutdown":
		reason := "maintenance"
		if len(parts) == 2 && parts[1] != "" {
			reason = parts[1]
		}

		conn.Write([]byte("OK|Shutting down\n"))
		conn.Close()

		// Give time for response to be sent
		time.Sleep(100 * time.Millisecond)

		log.Printf("Shutdown requested: reason=%s", reason)
		srv.Shutdown(reason)

		os.Remove(path)
		os.Exit(0)

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}

func main() {
	rootCmd.AddCommand(serveCmd, addUserCmd, delUserCmd, statsCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
