package main

import (
	"context"
	"testing"

	"github.com/disgoorg/snowflake/v2"
)

func TestTrackEndHandlerUpdatesStatus(t *testing.T) {
	p, _, streamer := newTestPlayer(false)
	guild := snowflake.ID(1)
	ctx := context.Background()
	p.Enqueue(ctx, guild, entry("a", 100), p.Generation(guild))
	p.Enqueue(ctx, guild, entry("b", 100), p.Generation(guild))

	var statuses []string
	handler := trackEndHandler(p, func(_ snowflake.ID, status string) {
		statuses = append(statuses, status)
	})

	// Natural completion of a advances to b and updates the status line.
	handler(guild, streamer.lastToken())
	if cur := p.Current(guild); cur == nil || cur.Title != "b" {
		t.Fatalf("Expected advance to b, got %v", cur)
	}
	if len(statuses) != 1 || statuses[0] != MsgMusicStatusPrefix+"b" {
		t.Fatalf("Expected status update for b, got %v", statuses)
	}

	// The last track ending leaves no current entry and writes no status;
	// the transport clears the line during teardown.
	handler(guild, streamer.lastToken())
	if len(statuses) != 1 {
		t.Errorf("Expected no status write after session end, got %v", statuses)
	}
}
