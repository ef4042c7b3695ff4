package types

type Mail struct {
	sender     string
	recipients []string
	data       []byte
}

func NewMail(sender string, recipients []string, data []byte) Mail {
	return Mail{
		sender:     sender,
		recipients: recipients,
		data:       data,
	}
}

func (m Mail) Sender() string {
	return m.sender
}

func (m Mail) Recipients() []string {
	return m.recipients
}

func (m Mail) Data() []byte {
	return m.data
}
