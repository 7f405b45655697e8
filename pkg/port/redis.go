package port

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/redcon"

	"github.com/nobletooth/podium/pkg/engine"
	"github.com/nobletooth/podium/pkg/utils"
)

const RedisOk = "OK"

var address = flag.String("address", ":6380", "The ip:port to listen on for Redis protocol.")

// redisCommand represents a Redis command with its arguments.
type redisCommand struct {
	command string
	args    []string
}

// redisOutput conforms to a real Redis server output on non pub / sub commands.
type redisOutput struct {
	closeConnection bool     // Closes the connection if true.
	writeNil        bool     // Writes a nil value if true.
	err             *string  // Error to return if set.
	writeInt        *int64   // Writes an integer value if set.
	writeArray      []string // Writes an array of bulk strings if non-nil.
	writeBulk       *string  // Writes a bulk string if set.
	writeString     string   // Writes a simple string otherwise.
}

func closeRedisConnection(msg string) redisOutput {
	return redisOutput{writeString: msg, closeConnection: true}
}

func writeRedisNil() redisOutput {
	return redisOutput{writeNil: true}
}

func writeRedisInt(i int64) redisOutput {
	return redisOutput{writeInt: &i}
}

func writeRedisArray(items []string) redisOutput {
	if items == nil {
		items = []string{}
	}
	return redisOutput{writeArray: items}
}

func writeRedisBulk(s string) redisOutput {
	return redisOutput{writeBulk: &s}
}

func writeRedisString(s string) redisOutput {
	return redisOutput{writeString: s}
}

func writeRedisError(err error) redisOutput {
	msg := "ERR " + err.Error()
	return redisOutput{err: &msg}
}

func wrongArgCount(command string) redisOutput {
	return writeRedisError(fmt.Errorf("wrong number of arguments for '%s' command", strings.ToLower(command)))
}

// writeTo sends the output over the connection.
func (o redisOutput) writeTo(conn redcon.Conn) {
	switch {
	case o.err != nil:
		conn.WriteError(*o.err)
	case o.writeNil:
		conn.WriteNull()
	case o.writeInt != nil:
		conn.WriteInt64(*o.writeInt)
	case o.writeArray != nil:
		conn.WriteArray(len(o.writeArray))
		for _, item := range o.writeArray {
			conn.WriteBulkString(item)
		}
	case o.writeBulk != nil:
		conn.WriteBulkString(*o.writeBulk)
	default:
		conn.WriteString(o.writeString)
	}
}

type redisHandler struct {
	board   Leaderboard
	updates *Hub // Optional.
}

// newRedisHandler creates a new redisHandler.
func newRedisHandler(board Leaderboard, updates *Hub) (*redisHandler, error) {
	if board == nil {
		return nil, errors.New("expected a non-nil leaderboard")
	}
	return &redisHandler{board: board, updates: updates}, nil
}

func (rh *redisHandler) handle(ctx context.Context, cmd redisCommand) redisOutput {
	switch strings.ToUpper(cmd.command) {
	case "PING":
		return writeRedisString("PONG")
	case "QUIT":
		return closeRedisConnection(RedisOk)
	case "SETSCORE":
		if len(cmd.args) != 2 {
			return wrongArgCount(cmd.command)
		}
		playerID, err := parsePlayerID(cmd.args[0])
		if err != nil {
			return writeRedisError(err)
		}
		score, err := parseScore(cmd.args[1])
		if err != nil {
			return writeRedisError(err)
		}
		if err := rh.board.UpdateScore(ctx, playerID, score); err != nil {
			return writeRedisError(err)
		}
		if rh.updates != nil {
			rh.updates.Publish(ScoreUpdate{PlayerID: playerID, Score: score, At: time.Now()})
		}
		return writeRedisString(RedisOk)
	case "TOP":
		if len(cmd.args) > 1 {
			return wrongArgCount(cmd.command)
		}
		raw := ""
		if len(cmd.args) == 1 {
			raw = cmd.args[0]
		}
		n, err := parseTopN(raw)
		if err != nil {
			return writeRedisError(err)
		}
		records := rh.board.TopN(ctx, n)
		items := make([]string, 0, 2*len(records))
		for _, record := range records {
			items = append(items, strconv.FormatInt(record.PlayerID, 10), strconv.FormatInt(record.Score, 10))
		}
		return writeRedisArray(items)
	case "SCORE":
		if len(cmd.args) != 1 {
			return wrongArgCount(cmd.command)
		}
		playerID, err := parsePlayerID(cmd.args[0])
		if err != nil {
			return writeRedisError(err)
		}
		score, found := rh.board.Score(ctx, playerID)
		if !found {
			return writeRedisNil()
		}
		return writeRedisInt(score)
	case "STATS":
		if len(cmd.args) != 0 {
			return wrongArgCount(cmd.command)
		}
		return writeRedisBulk(formatStats(rh.board.Stats()))
	default:
		return writeRedisError(fmt.Errorf("unknown command '%s'", cmd.command))
	}
}

// formatStats renders stats as INFO-style "key:value" lines.
func formatStats(stats engine.Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "mode:%s\r\n", stats.Mode)
	fmt.Fprintf(&b, "hits:%d\r\n", stats.Hits)
	fmt.Fprintf(&b, "misses:%d\r\n", stats.Misses)
	fmt.Fprintf(&b, "store_failures:%d\r\n", stats.StoreFailures)
	fmt.Fprintf(&b, "recency_cache_len:%d\r\n", stats.RecencyLen)
	fmt.Fprintf(&b, "rank_index_len:%d\r\n", stats.RankLen)
	fmt.Fprintf(&b, "top_cache_len:%d\r\n", stats.TopLen)
	fmt.Fprintf(&b, "version:%s\r\n", utils.Version)
	fmt.Fprintf(&b, "uptime_seconds:%d\r\n", int64(utils.Uptime().Seconds()))
	return b.String()
}

// RedisServer serves the leaderboard over the Redis protocol.
type RedisServer struct {
	server *redcon.Server
	served chan error
}

// NewRedisServer creates a server listening on `addr`, or on --address when `addr` is empty.
func NewRedisServer(addr string, board Leaderboard, updates *Hub) (*RedisServer, error) {
	if addr == "" {
		addr = *address
	}
	if addr == "" {
		return nil, errors.New("expected a non-empty --address flag")
	}
	redisHandler, err := newRedisHandler(board, updates)
	if err != nil {
		return nil, fmt.Errorf("failed to create a new redis handler: %w", err)
	}

	server := redcon.NewServerNetwork("tcp" /*net*/, addr,
		/*handler*/ func(conn redcon.Conn, cmd redcon.Command) {
			// Convert redcon.Command to redisCommand.
			command := redisCommand{command: string(cmd.Args[0]), args: make([]string, len(cmd.Args)-1)}
			for i := 1; i < len(cmd.Args); i++ {
				command.args[i-1] = string(cmd.Args[i])
			}
			output := redisHandler.handle(context.Background(), command)
			output.writeTo(conn)
			if output.closeConnection {
				if err := conn.Close(); err != nil {
					slog.Error("Failed to close connection.", "error", err)
				}
			}
		},
		/*accept*/ func(conn redcon.Conn) bool {
			return true // Accept all connections.
		},
		/*close*/ func(conn redcon.Conn, err error) {
			if err != nil {
				slog.Debug("Redis connection closed with error.", "remote", conn.RemoteAddr(), "error", err)
			}
		})
	return &RedisServer{server: server, served: make(chan error, 1)}, nil
}

// Start listens and serves in the background. It returns once the listener is ready.
func (s *RedisServer) Start() error {
	listening := make(chan error, 1)
	go func() { s.served <- s.server.ListenServeAndSignal(listening) }()
	if err := <-listening; err != nil {
		return fmt.Errorf("failed to listen for redis protocol: %w", err)
	}
	slog.Info("Redis protocol server is listening.", "address", s.Addr().String())
	return nil
}

// Addr returns the listening address; only valid after Start.
func (s *RedisServer) Addr() net.Addr {
	return s.server.Addr()
}

// Wait blocks until the context is done, then closes the server.
func (s *RedisServer) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		if err := s.server.Close(); err != nil {
			return fmt.Errorf("failed to close redis server: %w", err)
		}
		return nil
	case err := <-s.served:
		return fmt.Errorf("redis server stopped unexpectedly: %w", err)
	}
}

// RunRedisServer serves the leaderboard over the Redis protocol on --address until the context is done.
func RunRedisServer(ctx context.Context, board Leaderboard, updates *Hub) error {
	server, err := NewRedisServer("", board, updates)
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}
	return server.Wait(ctx)
}
