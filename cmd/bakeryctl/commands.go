package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"google.golang.org/grpc/metadata"

	"github.com/vladislavdragonenkov/bakery/internal/domain"
	grpcsvc "github.com/vladislavdragonenkov/bakery/internal/service/grpc"
)

var (
	itemFlag = &cli.StringSliceFlag{
		Name:    "item",
		Aliases: []string{"i"},
		Usage:   "filling[=quantity], slug or label; repeatable",
	}
	idempotencyFlag = &cli.StringFlag{
		Name:  "idempotency-key",
		Usage: "retry key; generated when empty",
	}
	dateFlag = &cli.StringFlag{
		Name:  "date",
		Usage: "show only orders created on YYYY-MM-DD",
	}
)

func addCommand() *cli.Command {
	return &cli.Command{
		Name:  "add",
		Usage: "create an order",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "customer name"},
			itemFlag,
			idempotencyFlag,
		},
		Action: func(c *cli.Context) error {
			items, err := parseItems(c.StringSlice("item"))
			if err != nil {
				return err
			}
			req, err := grpcsvc.NewCreateRequest(domain.NewDraft(c.String("name"), items))
			if err != nil {
				return err
			}

			return withClient(c, func(ctx context.Context, client *grpcsvc.OrderServiceClient) error {
				ctx, cancel := unaryContext(withIdempotencyKey(ctx, c.String("idempotency-key")), c)
				defer cancel()

				resp, err := client.CreateOrder(ctx, req)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(c.App.Writer, "created order %s\n", resp.GetFields()["id"].GetStringValue())
				return err
			})
		},
	}
}

func editCommand() *cli.Command {
	return &cli.Command{
		Name:      "edit",
		Usage:     "change customer name and/or items; status and creation time are kept",
		ArgsUsage: "ORDER_ID",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "new customer name"},
			itemFlag,
			idempotencyFlag,
		},
		Action: func(c *cli.Context) error {
			id, err := requireArg(c, 0, "ORDER_ID")
			if err != nil {
				return err
			}

			var patch domain.OrderPatch
			if c.IsSet("name") {
				name := c.String("name")
				patch.CustomerName = &name
			}
			if c.IsSet("item") {
				items, err := parseItems(c.StringSlice("item"))
				if err != nil {
					return err
				}
				patch.Items = items
			}
			if patch.IsEmpty() {
				return errors.New("nothing to update: pass --name and/or --item")
			}

			req, err := grpcsvc.NewUpdateRequest(id, patch)
			if err != nil {
				return err
			}
			return withClient(c, func(ctx context.Context, client *grpcsvc.OrderServiceClient) error {
				ctx, cancel := unaryContext(withIdempotencyKey(ctx, c.String("idempotency-key")), c)
				defer cancel()

				if _, err := client.UpdateOrder(ctx, req); err != nil {
					return err
				}
				_, err := fmt.Fprintf(c.App.Writer, "updated order %s\n", id)
				return err
			})
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "move an order to queued, in_progress or done",
		ArgsUsage: "ORDER_ID STATUS",
		Action: func(c *cli.Context) error {
			id, err := requireArg(c, 0, "ORDER_ID")
			if err != nil {
				return err
			}
			raw, err := requireArg(c, 1, "STATUS")
			if err != nil {
				return err
			}
			st, err := domain.ParseOrderStatus(raw)
			if err != nil {
				return fmt.Errorf("%w: %q (use %s)", err, raw, statusChoices())
			}

			req, err := grpcsvc.NewStatusRequest(id, st)
			if err != nil {
				return err
			}
			return withClient(c, func(ctx context.Context, client *grpcsvc.OrderServiceClient) error {
				ctx, cancel := unaryContext(ctx, c)
				defer cancel()

				if _, err := client.UpdateOrderStatus(ctx, req); err != nil {
					return err
				}
				_, err := fmt.Fprintf(c.App.Writer, "order %s is %s\n", id, st)
				return err
			})
		},
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "delete an order after confirmation",
		ArgsUsage: "ORDER_ID",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "skip the confirmation prompt"},
		},
		Action: func(c *cli.Context) error {
			id, err := requireArg(c, 0, "ORDER_ID")
			if err != nil {
				return err
			}

			confirmed := c.Bool("yes")
			if !confirmed {
				confirmed, err = askConfirm(c.App.Reader, c.App.Writer, fmt.Sprintf("delete order %s? [y/N]: ", id))
				if err != nil {
					return err
				}
			}
			if !confirmed {
				_, err := fmt.Fprintln(c.App.Writer, "delete cancelled")
				return err
			}

			req, err := grpcsvc.NewDeleteRequest(id, true)
			if err != nil {
				return err
			}
			return withClient(c, func(ctx context.Context, client *grpcsvc.OrderServiceClient) error {
				ctx, cancel := unaryContext(ctx, c)
				defer cancel()

				if _, err := client.DeleteOrder(ctx, req); err != nil {
					return err
				}
				_, err := fmt.Fprintf(c.App.Writer, "deleted order %s\n", id)
				return err
			})
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "print the order board once",
		Flags:   []cli.Flag{dateFlag},
		Action: func(c *cli.Context) error {
			req, err := grpcsvc.NewListRequest(c.String("date"))
			if err != nil {
				return err
			}
			loc, err := displayLocation(c)
			if err != nil {
				return err
			}

			return withClient(c, func(ctx context.Context, client *grpcsvc.OrderServiceClient) error {
				ctx, cancel := unaryContext(ctx, c)
				defer cancel()

				resp, err := client.ListOrders(ctx, req)
				if err != nil {
					return err
				}
				view, err := grpcsvc.DecodeView(resp)
				if err != nil {
					return err
				}
				return renderView(c.App.Writer, view, loc)
			})
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "print the order board on every change until interrupted",
		Flags: []cli.Flag{
			dateFlag,
			&cli.IntFlag{Name: "limit", Usage: "stop after N snapshots (0 = until interrupted)"},
		},
		Action: func(c *cli.Context) error {
			req, err := grpcsvc.NewListRequest(c.String("date"))
			if err != nil {
				return err
			}
			loc, err := displayLocation(c)
			if err != nil {
				return err
			}
			limit := c.Int("limit")

			return withClient(c, func(ctx context.Context, client *grpcsvc.OrderServiceClient) error {
				ctx, cancel := context.WithCancel(ctx)
				defer cancel()

				stream, err := client.WatchOrders(ctx, req)
				if err != nil {
					return err
				}
				for n := 1; ; n++ {
					snapshot, err := stream.Recv()
					if err != nil {
						if errors.Is(err, io.EOF) || ctx.Err() != nil {
							return nil
						}
						return err
					}
					view, err := grpcsvc.DecodeView(snapshot)
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintf(c.App.Writer, "--- snapshot %d ---\n", n)
					if err := renderView(c.App.Writer, view, loc); err != nil {
						return err
					}
					if limit > 0 && n >= limit {
						return nil
					}
				}
			})
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "print the timeline of an order",
		ArgsUsage: "ORDER_ID",
		Action: func(c *cli.Context) error {
			id, err := requireArg(c, 0, "ORDER_ID")
			if err != nil {
				return err
			}
			req, err := grpcsvc.NewIDRequest(id)
			if err != nil {
				return err
			}
			loc, err := displayLocation(c)
			if err != nil {
				return err
			}

			return withClient(c, func(ctx context.Context, client *grpcsvc.OrderServiceClient) error {
				ctx, cancel := unaryContext(ctx, c)
				defer cancel()

				resp, err := client.GetOrderHistory(ctx, req)
				if err != nil {
					return err
				}
				events, err := grpcsvc.DecodeHistory(resp)
				if err != nil {
					return err
				}
				return renderHistory(c.App.Writer, events, loc)
			})
		},
	}
}

func fillingsCommand() *cli.Command {
	return &cli.Command{
		Name:  "fillings",
		Usage: "list the fillings that can be ordered",
		Action: func(c *cli.Context) error {
			return renderFillings(c.App.Writer)
		},
	}
}

// parseItems разбирает значения --item вида "filling" или "filling=qty".
func parseItems(values []string) ([]domain.OrderItem, error) {
	draft := domain.NewDraft("", nil)
	for _, raw := range values {
		name, qtyRaw, hasQty := strings.Cut(raw, "=")
		filling, err := domain.ParseFilling(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", err, name)
		}
		qty := 1
		if hasQty {
			qty, err = strconv.Atoi(strings.TrimSpace(qtyRaw))
			if err != nil || qty < 1 {
				return nil, fmt.Errorf("%w: %q", domain.ErrItemQuantityInvalid, raw)
			}
		}
		if draft.Has(filling) {
			return nil, fmt.Errorf("filling %s is listed twice", filling)
		}
		draft.ToggleFilling(filling, true)
		draft.SetQuantity(filling, qty)
	}
	return draft.Items, nil
}

func requireArg(c *cli.Context, index int, name string) (string, error) {
	value := strings.TrimSpace(c.Args().Get(index))
	if value == "" {
		return "", fmt.Errorf("%s is required (usage: %s %s %s)", name, c.App.Name, c.Command.Name, c.Command.ArgsUsage)
	}
	return value, nil
}

func askConfirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	if in == nil {
		return false, nil
	}
	_, _ = fmt.Fprint(out, prompt)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func withIdempotencyKey(ctx context.Context, key string) context.Context {
	key = strings.TrimSpace(key)
	if key == "" {
		key = uuid.NewString()
	}
	return metadata.AppendToOutgoingContext(ctx, grpcsvc.IdempotencyKeyHeader, key)
}

func statusChoices() string {
	statuses := domain.OrderStatuses()
	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		names = append(names, string(st))
	}
	return strings.Join(names, "|")
}
