package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"chatd/server"
)

// controller is the part of the server exposed on the control socket.
type controller interface {
	GetStats() server.Stats
	Broadcast(text string) int
	Shutdown(reason string)
}

// runControlSocket serves line commands on a unix socket until ctx is done:
//
//	stats
//	broadcast|text
//	shutdown|reason
func runControlSocket(ctx context.Context, path string, ctl controller, stop func(), log *slog.Logger) error {
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	defer os.Remove(path)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	log.Info("Control socket listening", "path", path)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warn("Control socket accept failed", "err", err)
			continue
		}
		go handleControlCommand(ctl, conn, stop, log)
	}
}

func handleControlCommand(ctl controller, conn net.Conn, stop func(), log *slog.Logger) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}

	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), "|")

	switch cmd {
	case "stats":
		conn.Write([]byte("OK|" + ctl.GetStats().String() + "\n"))

	case "broadcast":
		if arg == "" {
			conn.Write([]byte("ERROR|Missing text\n"))
			return
		}
		n := ctl.Broadcast(arg)
		fmt.Fprintf(conn, "OK|%d\n", n)

	case "shutdown":
		reason := "maintenance"
		if arg != "" {
			reason = arg
		}
		conn.Write([]byte("OK|Shutting down\n"))
		log.Info("Shutdown requested", "reason", reason)
		ctl.Shutdown(reason)
		stop()

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
