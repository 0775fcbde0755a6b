package discgo

import (
	"context"
	"fmt"
	"nightguard/guard/defs"
	"sync"
	"time"

	"github.com/diamondburned/arikawa/v3/api"
	"github.com/diamondburned/arikawa/v3/discord"
	"github.com/diamondburned/arikawa/v3/gateway"
	"github.com/diamondburned/arikawa/v3/session"
	"github.com/diamondburned/arikawa/v3/utils/json/option"
	"go.uber.org/zap"
)

const (
	TimeFormat  = "2006-01-02 15:04"
	mainChannel = "nightguard"
	batchLimit  = 100
)

// Discord mirrors the current reading into a single message of the main
// channel.
type Discord struct {
	Session  *session.Session
	Logger   *zap.Logger
	Location *time.Location

	mu       sync.Mutex
	gid      discord.GuildID
	mid      discord.MessageID
	channels map[string]discord.ChannelID
}

type Messager interface {
	SendMessage(data defs.MessageData, chName string) (uint64, error)
	GetMainMessage() (*defs.MessageData, error)
	NewMainMessage(data defs.MessageData) error
	UpdateMainMessage(data defs.MessageData) error
}

func New(ctx context.Context, token, guildID string, logger *zap.Logger, loc *time.Location) (*Discord, error) {
	sf, err := discord.ParseSnowflake(guildID)
	if err != nil {
		return nil, fmt.Errorf("unable to parse guild id: %w", err)
	}

	ses := session.NewWithIntents("Bot "+token, gateway.IntentGuildMessages)
	ses.AddIntents(gateway.IntentGuilds)
	if err := ses.Open(ctx); err != nil {
		return nil, fmt.Errorf("unable to open session: %w", err)
	}

	return &Discord{
		Session:  ses,
		Logger:   logger,
		Location: loc,
		gid:      discord.GuildID(sf),
		channels: make(map[string]discord.ChannelID),
	}, nil
}

func (d *Discord) Close() error {
	return d.Session.Close()
}

// Setup looks up the guild channels and creates the missing ones, including
// the main channel.
func (d *Discord) Setup(channels ...string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, err := d.Session.Channels(d.gid)
	if err != nil {
		return fmt.Errorf("unable to get channels: %w", err)
	}
	for _, ch := range existing {
		d.channels[ch.Name] = ch.ID
	}

	for _, name := range append(channels, mainChannel) {
		if _, ok := d.channels[name]; ok {
			continue
		}
		d.Logger.Debug("creating channel", zap.String("channel name", name))
		ch, err := d.Session.CreateChannel(d.gid, api.CreateChannelData{
			Name: name,
			Type: discord.GuildText,
		})
		if err != nil {
			return fmt.Errorf("unable to create channel %s: %w", name, err)
		}
		d.channels[name] = ch.ID
	}

	d.Logger.Debug("discord setup complete", zap.Int("channels", len(d.channels)))
	return nil
}

func (d *Discord) channel(name string) (discord.ChannelID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.channels[name]
	if !ok {
		return 0, fmt.Errorf("unknown channel %s", name)
	}
	return id, nil
}

func (d *Discord) mainMessageID() discord.MessageID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mid
}

func (d *Discord) SendMessage(data defs.MessageData, chName string) (uint64, error) {
	chid, err := d.channel(chName)
	if err != nil {
		return 0, err
	}

	msg, err := d.Session.SendMessageComplex(chid, marshalSendData(data))
	if err != nil {
		return 0, fmt.Errorf("unable to send message: %w", err)
	}
	d.Logger.Debug("sent message", zap.String("channel name", chName))
	return uint64(msg.ID), nil
}

// GetMainMessage returns nil when no main message was sent yet.
func (d *Discord) GetMainMessage() (*defs.MessageData, error) {
	mid := d.mainMessageID()
	if !mid.IsValid() {
		return nil, nil
	}

	chid, err := d.channel(mainChannel)
	if err != nil {
		return nil, err
	}
	msg, err := d.Session.Message(chid, mid)
	if err != nil {
		return nil, fmt.Errorf("unable to get main message: %w", err)
	}
	md := unmarshalMessage(*msg)
	return &md, nil
}

// NewMainMessage clears the main channel and posts data as the new main
// message.
func (d *Discord) NewMainMessage(data defs.MessageData) error {
	if err := d.deleteMessages(0); err != nil {
		return err
	}

	id, err := d.SendMessage(data, mainChannel)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.mid = discord.MessageID(id)
	d.mu.Unlock()
	return nil
}

func (d *Discord) UpdateMainMessage(data defs.MessageData) error {
	msg, err := d.GetMainMessage()
	if err != nil || msg == nil {
		return d.NewMainMessage(data)
	}

	if err := d.deleteMessages(d.mainMessageID()); err != nil {
		return err
	}

	chid, err := d.channel(mainChannel)
	if err != nil {
		return err
	}

	md := marshalSendData(data)
	_, err = d.Session.EditMessageComplex(chid, d.mainMessageID(), api.EditMessageData{
		Content:     option.NewNullableString(md.Content),
		Embeds:      &md.Embeds,
		Attachments: &[]discord.Attachment{},
	})
	return err
}

// deleteMessages removes every message of the main channel except exclude.
func (d *Discord) deleteMessages(exclude discord.MessageID) error {
	chid, err := d.channel(mainChannel)
	if err != nil {
		return err
	}

	for {
		msgs, err := d.Session.Messages(chid, batchLimit)
		if err != nil {
			return fmt.Errorf("unable to get messages: %w", err)
		}

		deleted := 0
		for _, msg := range msgs {
			if msg.ID == exclude {
				continue
			}
			if err := d.Session.DeleteMessage(chid, msg.ID, api.AuditLogReason("clearing")); err != nil {
				return fmt.Errorf("unable to delete message: %w", err)
			}
			deleted++
		}

		if deleted == 0 {
			return nil
		}
	}
}
