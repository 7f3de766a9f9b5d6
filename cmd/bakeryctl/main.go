// Command bakeryctl: консольный клиент OrderService: заводит, правит и удаляет заказы
// и показывает доску заказов за выбранный день.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	grpcsvc "github.com/vladislavdragonenkov/bakery/internal/service/grpc"
	"github.com/vladislavdragonenkov/bakery/internal/version"
)

const (
	defaultAddr    = "localhost:50051"
	defaultTimeout = 10 * time.Second
)

// dial подменяется в тестах на bufconn.
var dial = func(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout, os.Stdin).RunContext(ctx, os.Args); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "bakeryctl: %s\n", describeError(err))
		os.Exit(1)
	}
}

func newApp(out io.Writer, in io.Reader) *cli.App {
	return &cli.App{
		Name:    "bakeryctl",
		Usage:   "manage bakery orders over gRPC",
		Version: version.Get().String(),
		Writer:  out,
		Reader:  in,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Value:   defaultAddr,
				Usage:   "OrderService gRPC address",
				EnvVars: []string{"BAKERY_ADDR"},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: defaultTimeout,
				Usage: "timeout for unary calls",
			},
			&cli.StringFlag{
				Name:    "tz",
				Value:   "Local",
				Usage:   "timezone for displayed creation times",
				EnvVars: []string{"BAKERY_TIMEZONE"},
			},
		},
		Commands: []*cli.Command{
			addCommand(),
			listCommand(),
			watchCommand(),
			editCommand(),
			statusCommand(),
			deleteCommand(),
			historyCommand(),
			fillingsCommand(),
		},
	}
}

// withClient открывает соединение на время одной команды.
func withClient(c *cli.Context, fn func(ctx context.Context, client *grpcsvc.OrderServiceClient) error) error {
	conn, err := dial(c.String("addr"))
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.String("addr"), err)
	}
	defer conn.Close()

	return fn(c.Context, grpcsvc.NewOrderServiceClient(conn))
}

// unaryContext ограничивает одиночный вызов флагом --timeout.
func unaryContext(ctx context.Context, c *cli.Context) (context.Context, context.CancelFunc) {
	timeout := c.Duration("timeout")
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
