// Package port exposes the engine's operational surface over the Redis protocol: on-demand tag
// invalidation and tag-expiration inspection against every registered cache handler. Hosts point
// redis-cli (or any Redis client) at it to revalidate content without redeploying.

package port

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/tidwall/redcon"

	"github.com/nobletooth/stash/pkg/handler"
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
	closeConnection bool    // Closes the connection if true.
	writeNil        bool    // Writes a nil value if true.
	err             *string // Error to return if set.
	writeInt        *int    // Writes an integer value if set.
	writeString     string  // Writes a string value if set.
}

func closeRedisConnection(msg string) redisOutput {
	return redisOutput{writeString: msg, closeConnection: true}
}

func writeRedisNil() redisOutput {
	return redisOutput{writeNil: true}
}

func writeRedisInt(i int) redisOutput {
	return redisOutput{writeInt: &i}
}

func writeRedisString(s string) redisOutput {
	return redisOutput{writeString: s}
}

func writeRedisError(err error) redisOutput {
	msg := "ERR " + err.Error()
	return redisOutput{err: &msg}
}

// opsHandler serves the operational commands against the handler registry.
type opsHandler struct{}

func (oh *opsHandler) handle(ctx context.Context, cmd redisCommand) redisOutput {
	switch strings.ToUpper(cmd.command) {
	case "PING":
		return writeRedisString("PONG")
	case "QUIT":
		return closeRedisConnection(RedisOk)
	case "KINDS":
		return writeRedisString(strings.Join(handler.Kinds(), ","))
	case "EXPIRETAGS":
		// EXPIRETAGS tag [tag ...] invalidates the tags on every registered handler.
		if len(cmd.args) < 1 {
			return writeRedisError(errors.New("wrong number of arguments for 'EXPIRETAGS' command"))
		}
		applied := 0
		for _, kind := range handler.Kinds() {
			h, err := handler.Lookup(kind)
			if err != nil {
				return writeRedisError(err)
			}
			if err := h.ExpireTags(ctx, cmd.args...); err != nil {
				return writeRedisError(fmt.Errorf("expiring tags on %s: %w", kind, err))
			}
			applied++
		}
		return writeRedisInt(applied)
	case "REFRESHTAGS":
		for _, kind := range handler.Kinds() {
			h, err := handler.Lookup(kind)
			if err != nil {
				return writeRedisError(err)
			}
			if err := h.RefreshTags(ctx); err != nil {
				return writeRedisError(fmt.Errorf("refreshing tags on %s: %w", kind, err))
			}
		}
		return writeRedisString(RedisOk)
	case "EXPIRATION":
		// EXPIRATION kind tag [tag ...] returns the latest invalidation in Unix milliseconds,
		// nil when the tags were never invalidated.
		if len(cmd.args) < 2 {
			return writeRedisError(errors.New("wrong number of arguments for 'EXPIRATION' command"))
		}
		h, err := handler.Lookup(cmd.args[0])
		if err != nil {
			return writeRedisError(err)
		}
		expiration, err := h.GetExpiration(ctx, cmd.args[1:]...)
		if err != nil {
			return writeRedisError(err)
		}
		if expiration.IsZero() {
			return writeRedisNil()
		}
		if expiration.Equal(handler.SelfManaged) {
			return writeRedisString("self-managed")
		}
		return writeRedisString(strconv.FormatInt(expiration.UnixMilli(), 10))
	default:
		return writeRedisError(fmt.Errorf("unknown command '%s'", cmd.command))
	}
}

// RunRedisServer starts the Redis protocol ops server; it serves until ctx is cancelled.
func RunRedisServer(ctx context.Context) error {
	if *address == "" {
		return errors.New("expected a non-empty --address flag")
	}

	ops := &opsHandler{}
	redisServer := redcon.NewServerNetwork("tcp" /*net*/, *address,
		/*handler*/ func(conn redcon.Conn, cmd redcon.Command) {
			// Convert redcon.Command to redisCommand.
			command := redisCommand{command: string(cmd.Args[0]), args: make([]string, len(cmd.Args)-1)}
			for i := 1; i < len(cmd.Args); i++ {
				command.args[i-1] = string(cmd.Args[i])
			}
			output := ops.handle(ctx, command)
			if output.closeConnection {
				conn.WriteString(output.writeString)
				if err := conn.Close(); err != nil {
					slog.Error("failed to close connection", "error", err)
				}
				return
			}
			switch {
			case output.err != nil:
				conn.WriteError(*output.err)
			case output.writeNil:
				conn.WriteNull()
			case output.writeInt != nil:
				conn.WriteInt(*output.writeInt)
			default:
				conn.WriteString(output.writeString)
			}
		},
		/*accept*/ func(conn redcon.Conn) bool {
			return true // Accept all connections.
		},
		/*close*/ func(conn redcon.Conn, err error) {
		})

	serverErrSignal := make(chan error, 1)
	go func() {
		if err := redisServer.ListenAndServe(); err != nil {
			serverErrSignal <- err
		}
		close(serverErrSignal)
	}()

	select {
	case <-ctx.Done():
		if err := redisServer.Close(); err != nil {
			return fmt.Errorf("failed to close the ops server: %w", err)
		}
	case err := <-serverErrSignal:
		return fmt.Errorf("redis server stopped unexpectedly: %w", err)
	}

	return nil // Exited with no errors.
}
