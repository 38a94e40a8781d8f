package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sensate-iot/authgw/internal/models"
)

type recordedCommand struct {
	op  string
	arg string
}

type fakeTarget struct {
	commands []recordedCommand
}

func (f *fakeTarget) FlushSensor(id string) {
	f.commands = append(f.commands, recordedCommand{"flush_sensor", id})
}

func (f *fakeTarget) FlushUser(id string) {
	f.commands = append(f.commands, recordedCommand{"flush_user", id})
}

func (f *fakeTarget) FlushKey(key string) {
	f.commands = append(f.commands, recordedCommand{"flush_key", key})
}

func (f *fakeTarget) AddSensor(_ context.Context, id string) {
	f.commands = append(f.commands, recordedCommand{"add_sensor", id})
}

func (f *fakeTarget) AddUser(_ context.Context, id string) {
	f.commands = append(f.commands, recordedCommand{"add_user", id})
}

func (f *fakeTarget) AddKey(_ context.Context, key string) {
	f.commands = append(f.commands, recordedCommand{"add_key", key})
}

func TestCommandConsumerExecutesInOrder(t *testing.T) {
	c := NewCommandConsumer(testLogger())
	target := &fakeTarget{}

	c.Add(models.Command{Kind: models.CommandFlushSensor, Argument: "s1"})
	c.Add(models.Command{Kind: models.CommandFlushUser, Argument: "u1"})
	c.Add(models.Command{Kind: models.CommandFlushKey, Argument: "k1"})
	c.Add(models.Command{Kind: models.CommandAddSensor, Argument: "s2"})
	c.Add(models.Command{Kind: models.CommandAddUser, Argument: "u2"})
	c.Add(models.Command{Kind: models.CommandAddKey, Argument: "k2"})

	c.Execute(context.Background(), target)

	assert.Equal(t, []recordedCommand{
		{"flush_sensor", "s1"},
		{"flush_user", "u1"},
		{"flush_key", "k1"},
		{"add_sensor", "s2"},
		{"add_user", "u2"},
		{"add_key", "k2"},
	}, target.commands)
}

func TestCommandConsumerDrainsQueue(t *testing.T) {
	c := NewCommandConsumer(testLogger())
	target := &fakeTarget{}

	c.Add(models.Command{Kind: models.CommandFlushKey, Argument: "k"})
	c.Execute(context.Background(), target)
	c.Execute(context.Background(), target)

	assert.Len(t, target.commands, 1)
}

func TestCommandConsumerIgnoresUnknownKind(t *testing.T) {
	c := NewCommandConsumer(testLogger())
	target := &fakeTarget{}

	c.Add(models.Command{Kind: "reboot_fleet", Argument: "x"})
	c.Add(models.Command{Kind: models.CommandFlushKey, Argument: "k"})
	c.Execute(context.Background(), target)

	assert.Equal(t, []recordedCommand{{"flush_key", "k"}}, target.commands)
}
