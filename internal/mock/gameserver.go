// Package mock runs a fake game server for development and tests: a
// remote-console listener with canned responses and a rolling log file
// writer. It lets the panel be exercised without a real game install.
package mock

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/packpanel/backend/internal/rcon"
)

// GameServer is a console endpoint that accepts the standard auth
// handshake and answers commands with canned responses. Connections that
// fail authentication are answered with ID -1 and dropped.
type GameServer struct {
	Password string

	log      pslog.Logger
	listener net.Listener
	stop     chan struct{}
	wg       sync.WaitGroup

	// ChatterInterval controls unsolicited server output pushed to every
	// authenticated connection. Zero disables chatter.
	ChatterInterval time.Duration
}

func NewGameServer(password string, log pslog.Logger) *GameServer {
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	return &GameServer{
		Password:        password,
		log:             log,
		stop:            make(chan struct{}),
		ChatterInterval: 7 * time.Second,
	}
}

// Start listens on addr and begins accepting console connections. It
// returns the bound address so callers may pass ":0".
func (g *GameServer) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	g.listener = ln
	g.wg.Add(1)
	go g.acceptLoop()
	g.log.Info("mock game server listening", "addr", ln.Addr().String())
	return ln.Addr().String(), nil
}

func (g *GameServer) Stop() {
	select {
	case <-g.stop:
	default:
		close(g.stop)
	}
	if g.listener != nil {
		_ = g.listener.Close()
	}
	g.wg.Wait()
}

func (g *GameServer) acceptLoop() {
	defer g.wg.Done()
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			return
		}
		g.wg.Add(1)
		go g.handleConn(conn)
	}
}

func (g *GameServer) handleConn(conn net.Conn) {
	defer g.wg.Done()
	defer conn.Close()

	authed, err := g.handshake(conn)
	if err != nil || !authed {
		return
	}

	var wmu sync.Mutex
	write := func(p rcon.Packet) error {
		wmu.Lock()
		defer wmu.Unlock()
		return rcon.WritePacket(conn, p)
	}

	connDone := make(chan struct{})
	defer close(connDone)
	if g.ChatterInterval > 0 {
		go g.chatter(write, connDone)
	}

	for {
		p, err := rcon.ReadPacket(conn)
		if err != nil {
			return
		}
		if p.Type != rcon.TypeExecCommand {
			continue
		}
		reply := rcon.Packet{ID: p.ID, Type: rcon.TypeResponseValue, Body: respond(p.Body)}
		if write(reply) != nil {
			return
		}
	}
}

func (g *GameServer) handshake(conn net.Conn) (bool, error) {
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	p, err := rcon.ReadPacket(conn)
	if err != nil || p.Type != rcon.TypeAuth {
		return false, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	if p.Body != g.Password {
		g.log.Debug("mock console auth rejected", "remote", conn.RemoteAddr().String())
		_ = rcon.WritePacket(conn, rcon.Packet{ID: -1, Type: rcon.TypeAuthResponse})
		return false, nil
	}
	// Real servers send an empty response-value before the auth response.
	if err := rcon.WritePacket(conn, rcon.Packet{ID: p.ID, Type: rcon.TypeResponseValue}); err != nil {
		return false, err
	}
	if err := rcon.WritePacket(conn, rcon.Packet{ID: p.ID, Type: rcon.TypeAuthResponse}); err != nil {
		return false, err
	}
	return true, nil
}

func (g *GameServer) chatter(write func(rcon.Packet) error, done <-chan struct{}) {
	lines := []string{
		"Saving world data...",
		"Player Steve joined the game",
		"Player Alex left the game",
		"Autosave complete",
		"[WARN] Can't keep up! Did the system time change?",
	}
	ticker := time.NewTicker(g.ChatterInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			line := lines[rand.Intn(len(lines))]
			if write(rcon.Packet{ID: 0, Type: rcon.TypeResponseValue, Body: line}) != nil {
				return
			}
		case <-done:
			return
		case <-g.stop:
			return
		}
	}
}

func respond(command string) string {
	cmd := strings.ToLower(strings.TrimSpace(command))
	switch {
	case cmd == "help":
		return "Available commands: help, list, say <msg>, save-all, stop"
	case cmd == "list":
		return "There are 2 of a max of 20 players online: Steve, Alex"
	case cmd == "save-all":
		return "Saved the game"
	case strings.HasPrefix(cmd, "say "):
		return fmt.Sprintf("[Server] %s", strings.TrimSpace(command[4:]))
	case cmd == "stop":
		return "Stopping the server"
	case cmd == "":
		return ""
	default:
		return fmt.Sprintf("Unknown command %q. Type \"help\" for help.", command)
	}
}
