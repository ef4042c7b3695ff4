package feishu

// Message is the content of an outgoing message. The marshaled value goes
// into the API's content field; Type goes into msg_type.
type Message interface {
	Type() string
}

type TextMessage struct {
	Text string `json:"text"`
}

func (TextMessage) Type() string { return "text" }

func NewText(text string) TextMessage {
	return TextMessage{Text: text}
}

type ImageMessage struct {
	ImageKey string `json:"image_key"`
}

func (ImageMessage) Type() string { return "image" }

func NewImage(imageKey string) ImageMessage {
	return ImageMessage{ImageKey: imageKey}
}

type FileMessage struct {
	FileKey string `json:"file_key"`
}

func (FileMessage) Type() string { return "file" }

func NewFile(fileKey string) FileMessage {
	return FileMessage{FileKey: fileKey}
}

// PostMessage is rich text. Only the zh_cn locale is populated, matching
// what the API renders for every client regardless of locale.
type PostMessage struct {
	ZhCN PostBody `json:"zh_cn"`
}

func (PostMessage) Type() string { return "post" }

type PostBody struct {
	Title   string      `json:"title"`
	Content [][]PostTag `json:"content"`
}

// PostTag is one tagged node in a post line. Tag selects which of the
// remaining fields are meaningful.
type PostTag struct {
	Tag      string `json:"tag"`
	Text     string `json:"text,omitempty"`
	Href     string `json:"href,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	UserName string `json:"user_name,omitempty"`
	ImageKey string `json:"image_key,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
}

// PostBuilder assembles a PostMessage line by line.
type PostBuilder struct {
	title string
	lines [][]PostTag
	cur   []PostTag
}

func NewPost(title string) *PostBuilder {
	return &PostBuilder{title: title}
}

func (b *PostBuilder) Text(text string) *PostBuilder {
	b.cur = append(b.cur, PostTag{Tag: "text", Text: text})
	return b
}

func (b *PostBuilder) Link(text, href string) *PostBuilder {
	b.cur = append(b.cur, PostTag{Tag: "a", Text: text, Href: href})
	return b
}

func (b *PostBuilder) At(userID, userName string) *PostBuilder {
	b.cur = append(b.cur, PostTag{Tag: "at", UserID: userID, UserName: userName})
	return b
}

func (b *PostBuilder) Image(imageKey string, width, height int) *PostBuilder {
	b.cur = append(b.cur, PostTag{Tag: "img", ImageKey: imageKey, Width: width, Height: height})
	return b
}

// Line finishes the current line; subsequent tags start a new one.
func (b *PostBuilder) Line() *PostBuilder {
	b.lines = append(b.lines, b.cur)
	b.cur = nil
	return b
}

func (b *PostBuilder) Build() PostMessage {
	lines := b.lines
	if len(b.cur) > 0 {
		lines = append(lines, b.cur)
	}
	return PostMessage{ZhCN: PostBody{Title: b.title, Content: lines}}
}
