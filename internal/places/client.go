package places

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"placesadmin/internal/logging"
	"placesadmin/internal/shell"
)

// Submitter is the slice of the command channel the client needs.
type Submitter interface {
	Submit(ctx context.Context, commandText string, timeout time.Duration) (shell.Result, error)
	Status() shell.Status
}

// ClientOptions configures a Client.
type ClientOptions struct {
	// ConnectCommand is issued once per process generation before any other
	// command, re-establishing the remote session after channel restarts.
	// Empty means the session is assumed to exist already.
	ConnectCommand string

	// CommandTimeout bounds every submitted command. Zero uses the
	// channel's default.
	CommandTimeout time.Duration
}

// Client turns the raw command channel into a typed facilities directory:
// per-type listings, creates, and removals, with output routed through the
// entity parser.
type Client struct {
	channel Submitter
	opts    ClientOptions

	mu           sync.Mutex
	connectedGen int // channel restart count we last connected under, -1 = never
}

// NewClient wraps a command channel.
func NewClient(channel Submitter, opts ClientOptions) *Client {
	return &Client{channel: channel, opts: opts, connectedGen: -1}
}

// ensureConnected issues the connect command if this process generation has
// not seen one yet. The connect family gets its own classifier rules, so the
// remote side's habit of chattering on stderr during login does not fail it.
func (c *Client) ensureConnected(ctx context.Context) error {
	if c.opts.ConnectCommand == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	gen := c.channel.Status().Restarts
	if c.connectedGen == gen {
		return nil
	}

	res, err := c.channel.Submit(ctx, c.opts.ConnectCommand, c.opts.CommandTimeout)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	if !res.Succeeded {
		return &shell.RemoteError{Command: c.opts.ConnectCommand, ErrorText: res.ErrorText}
	}

	c.connectedGen = gen
	logging.Shell("remote session established (generation %d)", gen)
	return nil
}

// List fetches all remote entities of one type. Channel and remote failures
// surface as errors; output that cannot be parsed degrades to an empty set
// with a warning so one malformed response does not abort unrelated types.
func (c *Client) List(ctx context.Context, t EntityType) ([]PlaceEntity, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	reqID := uuid.NewString()[:8]
	command := fmt.Sprintf("Get-Place -Type %s -AsJson", t)
	logging.ParseDebug("[req:%s] listing %s entities", reqID, t)

	res, err := c.channel.Submit(ctx, command, c.opts.CommandTimeout)
	if err != nil {
		return nil, err
	}
	if !res.Succeeded {
		return nil, &shell.RemoteError{Command: command, ErrorText: res.ErrorText}
	}

	entities, err := Parse(res.Output, t)
	if err != nil {
		logging.ParseWarn("[req:%s] unparseable %s listing, treating as empty: %v", reqID, t, err)
		return nil, nil
	}
	logging.Parse("[req:%s] parsed %d %s entities", reqID, len(entities), t)
	return entities, nil
}

// Create provisions a new entity remotely. The mirror picks it up on the
// next refresh; nothing is written locally here.
func (c *Client) Create(ctx context.Context, e PlaceEntity) error {
	if err := e.ValidateForCreate(); err != nil {
		return err
	}
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "New-Place -Type %s -Name %s", e.Type, quote(e.DisplayName))
	if e.Description != "" {
		fmt.Fprintf(&b, " -Description %s", quote(e.Description))
	}
	if e.ParentExternalID != "" {
		fmt.Fprintf(&b, " -ParentId %s", quote(e.ParentExternalID))
	}
	if e.Type == TypeBuilding {
		if e.Street != "" {
			fmt.Fprintf(&b, " -Street %s", quote(e.Street))
		}
		if e.City != "" {
			fmt.Fprintf(&b, " -City %s", quote(e.City))
		}
		if e.PostalCode != "" {
			fmt.Fprintf(&b, " -PostalCode %s", quote(e.PostalCode))
		}
		if e.CountryOrRegion != "" {
			fmt.Fprintf(&b, " -CountryOrRegion %s", quote(e.CountryOrRegion))
		}
	}
	if e.Type == TypeDesk || e.Type == TypeRoom {
		if e.Capacity > 0 {
			fmt.Fprintf(&b, " -Capacity %d", e.Capacity)
		}
		if e.IsBookable {
			b.WriteString(" -IsBookable $true")
		}
		if e.ContactAddress != "" {
			fmt.Fprintf(&b, " -EmailAddress %s", quote(e.ContactAddress))
		}
	}
	command := b.String()

	res, err := c.channel.Submit(ctx, command, c.opts.CommandTimeout)
	if err != nil {
		return err
	}
	if !res.Succeeded {
		return &shell.RemoteError{Command: command, ErrorText: res.ErrorText}
	}
	return nil
}

// Remove deletes an entity remotely by its external identifier.
func (c *Client) Remove(ctx context.Context, externalID string) error {
	if externalID == "" {
		return fmt.Errorf("external identifier required")
	}
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	command := fmt.Sprintf("Remove-Place -Identity %s -Confirm:$false", quote(externalID))
	res, err := c.channel.Submit(ctx, command, c.opts.CommandTimeout)
	if err != nil {
		return err
	}
	if !res.Succeeded {
		return &shell.RemoteError{Command: command, ErrorText: res.ErrorText}
	}
	return nil
}

// Hierarchy fetches every type and nests the combined set for presentation.
func (c *Client) Hierarchy(ctx context.Context) ([]*Node, error) {
	var all []PlaceEntity
	for _, t := range AllTypes {
		entities, err := c.List(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("fetching %s entities: %w", t, err)
		}
		all = append(all, entities...)
	}
	return BuildHierarchy(all), nil
}

// quote wraps s in single quotes, doubling any embedded ones, so display
// names cannot break out of the remote command line.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
