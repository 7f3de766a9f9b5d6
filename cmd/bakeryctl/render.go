package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/bakery/internal/domain"
	grpcsvc "github.com/vladislavdragonenkov/bakery/internal/service/grpc"
	"github.com/vladislavdragonenkov/bakery/internal/viewmodel"
)

const createdLayout = "2006-01-02 15:04"

func displayLocation(c *cli.Context) (*time.Location, error) {
	name := strings.TrimSpace(c.String("tz"))
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", name, err)
	}
	return loc, nil
}

func renderView(out io.Writer, view viewmodel.View, loc *time.Location) error {
	if view.Err != nil {
		_, _ = fmt.Fprintf(out, "warning: %v (showing last known orders)\n", view.Err)
	}
	if len(view.Orders) == 0 {
		_, err := fmt.Fprintln(out, "no orders")
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tCUSTOMER\tITEMS\tQTY\tSTATUS\tCREATED")
	for _, order := range view.Orders {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			order.ID,
			order.CustomerName,
			formatItems(order.Items),
			order.TotalQuantity,
			order.Status,
			order.CreatedTime().In(loc).Format(createdLayout),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	counts := make([]string, 0, len(view.StatusCounts))
	for _, st := range domain.OrderStatuses() {
		counts = append(counts, fmt.Sprintf("%s=%d", st, view.StatusCounts[st]))
	}
	_, _ = fmt.Fprintf(out, "total: %d pcs | %s\n", view.TotalQuantity, strings.Join(counts, " "))

	for _, total := range view.FillingTotals {
		_, _ = fmt.Fprintf(out, "  %s: %d\n", total.Label, total.Quantity)
	}
	return nil
}

func formatItems(items []domain.OrderItem) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, fmt.Sprintf("%s×%d", item.Filling.Label(), item.Quantity))
	}
	return strings.Join(parts, ", ")
}

func renderHistory(out io.Writer, events []domain.TimelineEvent, loc *time.Location) error {
	if len(events) == 0 {
		_, err := fmt.Fprintln(out, "no events")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "AT\tEVENT\tREASON")
	for _, event := range events {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", event.Occurred.In(loc).Format(time.RFC3339), event.Type, event.Reason)
	}
	return tw.Flush()
}

func renderFillings(out io.Writer) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SLUG\tLABEL")
	for _, filling := range domain.Fillings() {
		_, _ = fmt.Fprintf(tw, "%s\t%s\n", filling, filling.Label())
	}
	return tw.Flush()
}

// describeError превращает gRPC-статус в сообщение для человека.
func describeError(err error) string {
	st, ok := status.FromError(err)
	if !ok {
		return err.Error()
	}
	switch st.Code() {
	case codes.InvalidArgument:
		if fields := grpcsvc.FieldViolations(err); len(fields) > 0 {
			return fmt.Sprintf("invalid order: missing %s", strings.Join(fields, ", "))
		}
		return "invalid request: " + st.Message()
	case codes.NotFound:
		return "not found: " + st.Message()
	case codes.FailedPrecondition:
		return st.Message()
	case codes.Unavailable:
		return "server unavailable: " + st.Message()
	default:
		return fmt.Sprintf("%s: %s", st.Code(), st.Message())
	}
}
