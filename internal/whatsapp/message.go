package whatsapp

import (
	"context"
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/dharsanguruparan/wagate/internal/model"
)

type downloader interface {
	Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)
}

type uploader interface {
	Upload(ctx context.Context, plaintext []byte, appInfo whatsmeow.MediaType) (whatsmeow.UploadResponse, error)
}

// SendMessage delivers msg to the recipient's user JID. Audio cannot carry a
// caption, so text accompanying audio goes out as a second message.
func (c *Client) SendMessage(ctx context.Context, msg model.OutboundMessage) error {
	cli := c.current()
	if cli == nil {
		return ErrNotInitialized
	}
	to := types.NewJID(msg.Recipient, types.DefaultUserServer)
	if msg.Media == nil {
		return send(ctx, cli, to, textMessage(msg.Text))
	}
	content, followUp, err := buildMediaMessage(ctx, cli, msg)
	if err != nil {
		return err
	}
	if err := send(ctx, cli, to, content); err != nil {
		return err
	}
	if followUp != "" {
		return send(ctx, cli, to, textMessage(followUp))
	}
	return nil
}

func send(ctx context.Context, cli *whatsmeow.Client, to types.JID, content *waE2E.Message) error {
	if _, err := cli.SendMessage(ctx, to, content); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func textMessage(text string) *waE2E.Message {
	return &waE2E.Message{Conversation: proto.String(text)}
}

type mediaKind int

const (
	kindDocument mediaKind = iota
	kindImage
	kindVideo
	kindAudio
)

func kindOf(mimetype string, asDocument bool) mediaKind {
	if asDocument {
		return kindDocument
	}
	switch {
	case strings.HasPrefix(mimetype, "image/"):
		return kindImage
	case strings.HasPrefix(mimetype, "video/"):
		return kindVideo
	case strings.HasPrefix(mimetype, "audio/"):
		return kindAudio
	default:
		return kindDocument
	}
}

func (k mediaKind) uploadType() whatsmeow.MediaType {
	switch k {
	case kindImage:
		return whatsmeow.MediaImage
	case kindVideo:
		return whatsmeow.MediaVideo
	case kindAudio:
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

func buildMediaMessage(ctx context.Context, up uploader, msg model.OutboundMessage) (*waE2E.Message, string, error) {
	kind := kindOf(msg.Media.Mimetype, msg.AsDocument)
	resp, err := up.Upload(ctx, msg.Media.Data, kind.uploadType())
	if err != nil {
		return nil, "", fmt.Errorf("upload media: %w", err)
	}
	content, followUp := mediaMessage(kind, resp, msg.Media, msg.Text)
	return content, followUp, nil
}

func mediaMessage(kind mediaKind, up whatsmeow.UploadResponse, media *model.Media, caption string) (*waE2E.Message, string) {
	var captionPtr *string
	if caption != "" {
		captionPtr = proto.String(caption)
	}
	switch kind {
	case kindImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       captionPtr,
			Mimetype:      proto.String(media.Mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, ""
	case kindVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       captionPtr,
			Mimetype:      proto.String(media.Mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, ""
	case kindAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(media.Mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, caption
	default:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       captionPtr,
			Title:         proto.String(media.Filename),
			FileName:      proto.String(media.Filename),
			Mimetype:      proto.String(media.Mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, ""
	}
}

// account is the paired identity: its phone-number JID and, once the server
// has assigned one, its LID. Both are empty before pairing completes.
type account struct {
	PN  types.JID
	LID types.JID
}

func accountOf(cli *whatsmeow.Client) account {
	var own account
	if cli.Store.ID != nil {
		own.PN = cli.Store.ID.ToNonAD()
	}
	own.LID = cli.Store.LID.ToNonAD()
	return own
}

// phoneJID maps a LID-addressed direct chat onto the phone-number JID used
// everywhere else. Chats the account cannot resolve keep their LID.
func (a account) phoneJID(jid, alt types.JID) types.JID {
	jid = jid.ToNonAD()
	if jid.Server != types.HiddenUserServer {
		return jid
	}
	if !a.LID.IsEmpty() && jid.User == a.LID.User {
		return a.PN
	}
	if alt.Server == types.DefaultUserServer {
		return alt.ToNonAD()
	}
	return jid
}

// inboundMessage flattens a whatsmeow message event addressed to own.
func inboundMessage(evt *events.Message, own account, dl downloader) model.InboundMessage {
	info := evt.Info
	msg := model.InboundMessage{
		ID:        info.ID,
		FromMe:    info.IsFromMe,
		PushName:  info.PushName,
		Timestamp: info.Timestamp,
		IsGroup:   info.IsGroup,
	}
	if info.IsFromMe {
		msg.From = own.PN.String()
		msg.To = own.phoneJID(info.Chat, info.RecipientAlt).String()
	} else {
		msg.From = own.phoneJID(info.Chat, info.SenderAlt).String()
		msg.To = own.PN.String()
	}

	m := evt.Message
	var (
		file     whatsmeow.DownloadableMessage
		mimetype string
		filename string
	)
	switch {
	case m.GetConversation() != "":
		msg.Type, msg.Body = model.TypeChat, m.GetConversation()
	case m.GetExtendedTextMessage() != nil:
		msg.Type, msg.Body = model.TypeChat, m.GetExtendedTextMessage().GetText()
	case m.GetImageMessage() != nil:
		img := m.GetImageMessage()
		msg.Type, msg.Body = model.TypeImage, img.GetCaption()
		file, mimetype = img, img.GetMimetype()
	case m.GetVideoMessage() != nil:
		vid := m.GetVideoMessage()
		msg.Type, msg.Body = model.TypeVideo, vid.GetCaption()
		file, mimetype = vid, vid.GetMimetype()
	case m.GetAudioMessage() != nil:
		aud := m.GetAudioMessage()
		msg.Type = model.TypeAudio
		if aud.GetPTT() {
			msg.Type = model.TypeVoice
		}
		file, mimetype = aud, aud.GetMimetype()
	case m.GetDocumentMessage() != nil:
		doc := m.GetDocumentMessage()
		msg.Type, msg.Body = model.TypeDocument, doc.GetCaption()
		file, mimetype, filename = doc, doc.GetMimetype(), doc.GetFileName()
	case m.GetStickerMessage() != nil:
		st := m.GetStickerMessage()
		msg.Type = model.TypeSticker
		file, mimetype = st, st.GetMimetype()
	default:
		msg.Type = model.TypeUnknown
	}

	if file != nil {
		msg.HasMedia = true
		msg.Download = func(ctx context.Context) (*model.Media, error) {
			data, err := dl.Download(ctx, file)
			if err != nil {
				return nil, fmt.Errorf("download media: %w", err)
			}
			return &model.Media{Mimetype: mimetype, Data: data, Filename: filename}, nil
		}
	}
	return msg
}
