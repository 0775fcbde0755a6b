package discgo

import (
	"nightguard/guard/defs"

	"github.com/diamondburned/arikawa/v3/api"
	"github.com/diamondburned/arikawa/v3/discord"
)

// marshalSendData converts a display message into what arikawa sends.
func marshalSendData(data defs.MessageData) api.SendMessageData {
	embeds := make([]discord.Embed, len(data.Embeds))
	for i, embed := range data.Embeds {
		embeds[i] = marshalEmbed(embed)
	}

	return api.SendMessageData{
		Content: data.Content,
		Embeds:  embeds,
	}
}

func marshalEmbed(embed defs.EmbedData) discord.Embed {
	fields := make([]discord.EmbedField, len(embed.Fields))
	for i, f := range embed.Fields {
		fields[i] = discord.EmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline}
	}

	return discord.Embed{
		Title:       embed.Title,
		Description: embed.Description,
		Fields:      fields,
	}
}

// unmarshalMessage converts a message read back from discord.
func unmarshalMessage(msg discord.Message) defs.MessageData {
	embeds := make([]defs.EmbedData, len(msg.Embeds))
	for i, embed := range msg.Embeds {
		fields := make([]defs.EmbedField, len(embed.Fields))
		for j, f := range embed.Fields {
			fields[j] = defs.EmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline}
		}

		embeds[i] = defs.EmbedData{
			Title:       embed.Title,
			Description: embed.Description,
			Fields:      fields,
		}
	}

	return defs.MessageData{
		Content: msg.Content,
		Embeds:  embeds,
	}
}
