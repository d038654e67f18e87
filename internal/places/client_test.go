package places

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"placesadmin/internal/shell"
)

// fakeSubmitter scripts channel responses and records submitted commands.
type fakeSubmitter struct {
	commands []string
	respond  func(command string) (shell.Result, error)
	restarts int
}

func (f *fakeSubmitter) Submit(_ context.Context, commandText string, _ time.Duration) (shell.Result, error) {
	f.commands = append(f.commands, commandText)
	return f.respond(commandText)
}

func (f *fakeSubmitter) Status() shell.Status {
	return shell.Status{Running: true, Restarts: f.restarts}
}

func okJSON(body string) func(string) (shell.Result, error) {
	return func(command string) (shell.Result, error) {
		if strings.HasPrefix(command, "Connect") {
			return shell.Result{Output: "Connected.", Succeeded: true}, nil
		}
		return shell.Result{Output: body, Succeeded: true}, nil
	}
}

func TestClientListParsesEntities(t *testing.T) {
	sub := &fakeSubmitter{respond: okJSON(`[{"PlaceId":"bld-1","Name":"HQ","Type":"Building"}]`)}
	c := NewClient(sub, ClientOptions{})

	got, err := c.List(context.Background(), TypeBuilding)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "bld-1", got[0].ExternalID)

	require.Len(t, sub.commands, 1)
	assert.Equal(t, "Get-Place -Type Building -AsJson", sub.commands[0])
}

func TestClientListRemoteFailure(t *testing.T) {
	sub := &fakeSubmitter{respond: func(string) (shell.Result, error) {
		return shell.Result{Succeeded: false, ErrorText: "Access denied"}, nil
	}}
	c := NewClient(sub, ClientOptions{})

	_, err := c.List(context.Background(), TypeDesk)
	require.Error(t, err)
	var re *shell.RemoteError
	require.True(t, errors.As(err, &re))
	assert.Contains(t, re.ErrorText, "Access denied")
}

func TestClientListDegradesUnparseableOutput(t *testing.T) {
	sub := &fakeSubmitter{respond: okJSON("loading module banner text\nready")}
	c := NewClient(sub, ClientOptions{})

	got, err := c.List(context.Background(), TypeRoom)
	require.NoError(t, err)
	assert.Empty(t, got, "unparseable listing degrades to empty, not error")
}

func TestClientListPropagatesChannelErrors(t *testing.T) {
	sub := &fakeSubmitter{respond: func(string) (shell.Result, error) {
		return shell.Result{}, shell.ErrTimeout
	}}
	c := NewClient(sub, ClientOptions{})

	_, err := c.List(context.Background(), TypeFloor)
	assert.ErrorIs(t, err, shell.ErrTimeout)
}

func TestClientConnectsOncePerGeneration(t *testing.T) {
	sub := &fakeSubmitter{respond: okJSON(`[]`)}
	c := NewClient(sub, ClientOptions{ConnectCommand: "Connect-PlacesService"})

	_, err := c.List(context.Background(), TypeBuilding)
	require.NoError(t, err)
	_, err = c.List(context.Background(), TypeFloor)
	require.NoError(t, err)

	connects := 0
	for _, cmd := range sub.commands {
		if strings.HasPrefix(cmd, "Connect") {
			connects++
		}
	}
	assert.Equal(t, 1, connects, "one connect per process generation")

	// A channel restart bumps the generation; the next call reconnects.
	sub.restarts = 1
	_, err = c.List(context.Background(), TypeBuilding)
	require.NoError(t, err)

	connects = 0
	for _, cmd := range sub.commands {
		if strings.HasPrefix(cmd, "Connect") {
			connects++
		}
	}
	assert.Equal(t, 2, connects)
}

func TestClientConnectFailureBlocksCommands(t *testing.T) {
	sub := &fakeSubmitter{respond: func(command string) (shell.Result, error) {
		if strings.HasPrefix(command, "Connect") {
			return shell.Result{Succeeded: false, ErrorText: "Authentication failed"}, nil
		}
		return shell.Result{Output: "[]", Succeeded: true}, nil
	}}
	c := NewClient(sub, ClientOptions{ConnectCommand: "Connect-PlacesService"})

	_, err := c.List(context.Background(), TypeBuilding)
	require.Error(t, err)
	var re *shell.RemoteError
	assert.True(t, errors.As(err, &re))
	require.Len(t, sub.commands, 1, "listing must not run after a failed connect")
}

func TestClientCreateBuildsCommand(t *testing.T) {
	sub := &fakeSubmitter{respond: okJSON("created")}
	c := NewClient(sub, ClientOptions{})

	err := c.Create(context.Background(), PlaceEntity{
		Type:        TypeBuilding,
		DisplayName: "O'Brien Hall",
		Street:      "1 Main St",
		City:        "Dublin",
	})
	require.NoError(t, err)

	require.Len(t, sub.commands, 1)
	cmd := sub.commands[0]
	assert.Contains(t, cmd, "New-Place -Type Building")
	assert.Contains(t, cmd, "-Name 'O''Brien Hall'", "embedded quotes must be doubled")
	assert.Contains(t, cmd, "-Street '1 Main St'")
	assert.Contains(t, cmd, "-City 'Dublin'")
}

func TestClientCreateDeskFlags(t *testing.T) {
	sub := &fakeSubmitter{respond: okJSON("created")}
	c := NewClient(sub, ClientOptions{})

	err := c.Create(context.Background(), PlaceEntity{
		Type:             TypeDesk,
		DisplayName:      "Desk 7",
		ParentExternalID: "sec-1",
		Capacity:         1,
		IsBookable:       true,
		ContactAddress:   "desk7@example.org",
	})
	require.NoError(t, err)

	cmd := sub.commands[0]
	assert.Contains(t, cmd, "-ParentId 'sec-1'")
	assert.Contains(t, cmd, "-Capacity 1")
	assert.Contains(t, cmd, "-IsBookable $true")
	assert.Contains(t, cmd, "-EmailAddress 'desk7@example.org'")
}

func TestClientCreateValidatesFirst(t *testing.T) {
	sub := &fakeSubmitter{respond: okJSON("created")}
	c := NewClient(sub, ClientOptions{})

	err := c.Create(context.Background(), PlaceEntity{Type: TypeDesk})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "display name")

	err = c.Create(context.Background(), PlaceEntity{Type: TypeDesk, DisplayName: "Desk 7"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parent")

	assert.Empty(t, sub.commands, "invalid entities must not reach the channel")
}

func TestClientCreateNeedsNoExternalID(t *testing.T) {
	// The remote side assigns identifiers; a create payload never carries one.
	sub := &fakeSubmitter{respond: okJSON("created")}
	c := NewClient(sub, ClientOptions{})

	err := c.Create(context.Background(), PlaceEntity{Type: TypeBuilding, DisplayName: "Annex"})
	require.NoError(t, err)
	require.Len(t, sub.commands, 1)
	assert.NotContains(t, sub.commands[0], "-Identity")
}

func TestClientRemove(t *testing.T) {
	sub := &fakeSubmitter{respond: okJSON("removed")}
	c := NewClient(sub, ClientOptions{})

	require.NoError(t, c.Remove(context.Background(), "dsk-1"))
	require.Len(t, sub.commands, 1)
	assert.Equal(t, "Remove-Place -Identity 'dsk-1' -Confirm:$false", sub.commands[0])

	assert.Error(t, c.Remove(context.Background(), ""))
}

func TestClientHierarchy(t *testing.T) {
	responses := map[EntityType]string{
		TypeBuilding: `[{"PlaceId":"bld-1","Name":"HQ","Type":"Building"}]`,
		TypeFloor:    `[{"PlaceId":"flr-1","Name":"First","Type":"Floor","ParentId":"bld-1"}]`,
		TypeSection:  `[]`,
		TypeDesk:     `[]`,
		TypeRoom:     `[{"PlaceId":"rm-1","Name":"Open Space","Type":"Room","ParentId":"flr-1"}]`,
	}
	sub := &fakeSubmitter{respond: func(command string) (shell.Result, error) {
		for t, body := range responses {
			if strings.Contains(command, "-Type "+string(t)+" ") {
				return shell.Result{Output: body, Succeeded: true}, nil
			}
		}
		return shell.Result{Succeeded: false, ErrorText: "Cannot bind parameter 'Type'"}, nil
	}}
	c := NewClient(sub, ClientOptions{})

	roots, err := c.Hierarchy(context.Background())
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, "bld-1", roots[0].Entity.ExternalID)
	require.Len(t, roots[0].Children, 1)
	flr := roots[0].Children[0]
	require.Len(t, flr.Children, 1)
	assert.Equal(t, "rm-1", flr.Children[0].Entity.ExternalID)
}
