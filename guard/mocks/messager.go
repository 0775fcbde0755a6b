package mocks

import (
	"fmt"
	"nightguard/guard/defs"
)

const MainChannel = "main"

// Messager records every message per channel. The last message of the main
// channel is the main message.
type Messager struct {
	Channels map[string][]defs.MessageData
	Updates  int
}

func NewMessager() *Messager {
	return &Messager{Channels: make(map[string][]defs.MessageData)}
}

func (m *Messager) SendMessage(msgData defs.MessageData, chName string) (uint64, error) {
	m.Channels[chName] = append(m.Channels[chName], msgData)
	return uint64(len(m.Channels[chName])), nil
}

func (m *Messager) GetMainMessage() (*defs.MessageData, error) {
	msgs := m.Channels[MainChannel]
	if len(msgs) == 0 {
		return nil, fmt.Errorf("no message found")
	}
	return &msgs[len(msgs)-1], nil
}

func (m *Messager) NewMainMessage(msgData defs.MessageData) error {
	m.Channels[MainChannel] = []defs.MessageData{msgData}
	return nil
}

func (m *Messager) UpdateMainMessage(msgData defs.MessageData) error {
	m.Updates++
	msgs := m.Channels[MainChannel]
	if len(msgs) == 0 {
		return m.NewMainMessage(msgData)
	}
	msgs[len(msgs)-1] = msgData
	return nil
}
