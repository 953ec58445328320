package service

import (
	"context"
	"time"

	"github.com/adwski/lan-conference/backend/model"
	"github.com/adwski/lan-conference/backend/storage/memory"
)

const reasonTooLarge = "file exceeds size limit"

type Transfers interface {
	Offer(key memory.TransferKey)
	Accept(key memory.TransferKey) bool
	Accepted(key memory.TransferKey) bool
	Remove(key memory.TransferKey) bool
	DropPeer(handle string) int
}

// handleStore serves the server-held blob variant and the legacy inline push.
func (svc *Service) handleStore(ctx context.Context, sender model.Peer, msg model.Inbound) {
	logger := svc.logger.With().
		Str("handle", sender.Handle).
		Str("username", sender.Username).
		Logger()

	switch m := msg.(type) {
	case model.FileUpload:
		if m.Size != 0 && m.Size != int64(len(m.Data)) {
			logger.Warn().
				Int64("declared", m.Size).
				Int("actual", len(m.Data)).
				Msg("declared upload size does not match payload")
		}
		info, err := svc.files.Put(m.Filename, sender.Username, m.Data)
		if err != nil {
			logger.Warn().Err(err).Str("filename", m.Filename).Msg("upload rejected")
			svc.fileError(ctx, sender, m.Filename, err.Error())
			return
		}
		n := svc.sw.Route(ctx, sender.Handle, m.Recipient, model.FileEvent{
			Type:     model.TypeFileAvailable,
			From:     sender.Username,
			Filename: info.Filename,
			Size:     info.Size,
		}, false)
		logger.Info().
			Str("filename", info.Filename).
			Int64("size", info.Size).
			Int("notified", n).
			Msg("file stored")

	case model.FileDownload:
		info, data, err := svc.files.Get(m.Filename)
		if err != nil {
			logger.Debug().Err(err).Str("filename", m.Filename).Msg("download ignored")
			return
		}
		svc.sw.SendTo(ctx, sender.Handle, model.FileEvent{
			Type:     model.TypeFileData,
			From:     info.UploadedBy,
			Filename: info.Filename,
			Size:     info.Size,
			Data:     data,
		})

	case model.FileListRequest:
		svc.sw.SendTo(ctx, sender.Handle, model.FileListOut{
			Type:  model.TypeFileList,
			Files: svc.files.List(),
		})

	case model.FileTransfer:
		if svc.tooLarge(int64(len(m.Data))) {
			svc.fileError(ctx, sender, m.Filename, reasonTooLarge)
			return
		}
		svc.sw.Route(ctx, sender.Handle, m.Recipient, model.FileEvent{
			Type:      model.TypeFileTransfer,
			From:      sender.Username,
			Recipient: m.Recipient,
			Filename:  m.Filename,
			Size:      int64(len(m.Data)),
			Data:      m.Data,
		}, false)
	}
}

// handleRelay brokers offer/accept/chunk/end between two named participants.
// Nothing but transfer state is kept.
func (svc *Service) handleRelay(ctx context.Context, sender model.Peer, msg model.Inbound) {
	logger := svc.logger.With().
		Str("handle", sender.Handle).
		Str("username", sender.Username).
		Logger()

	switch m := msg.(type) {
	case model.FileOffer:
		if svc.tooLarge(m.Size) {
			svc.fileError(ctx, sender, m.Filename, reasonTooLarge)
			return
		}
		dst, ok := svc.reg.FindByUsername(m.Recipient)
		if !ok {
			logger.Debug().Str("recipient", m.Recipient).Msg("offer dropped, recipient not found")
			return
		}
		svc.transfers.Offer(memory.TransferKey{Sender: sender.Handle, Recipient: dst.Handle, Filename: m.Filename})
		svc.sw.SendTo(ctx, dst.Handle, model.FileEvent{
			Type:     model.TypeFileOffer,
			From:     sender.Username,
			Filename: m.Filename,
			Size:     m.Size,
		})

	case model.FileAccept:
		offerer, ok := svc.reg.FindByUsername(m.Recipient)
		if !ok {
			return
		}
		key := memory.TransferKey{Sender: offerer.Handle, Recipient: sender.Handle, Filename: m.Filename}
		if !svc.transfers.Accept(key) {
			logger.Debug().Str("filename", m.Filename).Msg("accept without offer")
			return
		}
		svc.sw.SendTo(ctx, offerer.Handle, model.FileEvent{
			Type:     model.TypeFileAccept,
			From:     sender.Username,
			Filename: m.Filename,
		})

	case model.FileReject:
		offerer, ok := svc.reg.FindByUsername(m.Recipient)
		if !ok {
			return
		}
		key := memory.TransferKey{Sender: offerer.Handle, Recipient: sender.Handle, Filename: m.Filename}
		if !svc.transfers.Remove(key) {
			return
		}
		svc.sw.SendTo(ctx, offerer.Handle, model.FileEvent{
			Type:     model.TypeFileReject,
			From:     sender.Username,
			Filename: m.Filename,
			Reason:   m.Reason,
		})

	case model.FileChunk:
		dst, key, ok := svc.acceptedTransfer(sender, m.Recipient, m.Filename)
		if !ok {
			logger.Debug().Str("filename", m.Filename).Int("seq", m.Seq).Msg("chunk dropped, transfer not accepted")
			return
		}
		if !svc.sw.SendTo(ctx, dst.Handle, model.FileEvent{
			Type:     model.TypeFileChunk,
			From:     sender.Username,
			Filename: m.Filename,
			Seq:      m.Seq,
			Data:     m.Data,
		}) {
			svc.transfers.Remove(key)
		}

	case model.FileEnd:
		dst, key, ok := svc.acceptedTransfer(sender, m.Recipient, m.Filename)
		if !ok {
			return
		}
		svc.transfers.Remove(key)
		svc.sw.SendTo(ctx, dst.Handle, model.FileEvent{
			Type:     model.TypeFileEnd,
			From:     sender.Username,
			Filename: m.Filename,
		})
		logger.Info().Str("filename", m.Filename).Str("recipient", dst.Username).Msg("file relayed")
	}
}

func (svc *Service) acceptedTransfer(sender model.Peer, recipient, filename string) (model.Peer, memory.TransferKey, bool) {
	dst, ok := svc.reg.FindByUsername(recipient)
	if !ok {
		return model.Peer{}, memory.TransferKey{}, false
	}
	key := memory.TransferKey{Sender: sender.Handle, Recipient: dst.Handle, Filename: filename}
	return dst, key, svc.transfers.Accepted(key)
}

func (svc *Service) fileError(ctx context.Context, sender model.Peer, filename, reason string) {
	svc.sw.SendTo(ctx, sender.Handle, model.FileEvent{
		Type:     model.TypeFileError,
		Filename: filename,
		Reason:   reason,
	})
}

func (svc *Service) tooLarge(size int64) bool {
	return svc.maxFileSize > 0 && size > svc.maxFileSize
}

func timestamp() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
