package messaging

import (
	"encoding/json"

	log "github.com/sirupsen/logrus"

	"github.com/whisper/rtchat/internal/protocol"
)

// StatusCreated is published after a user posted a status. Status is the
// full post document.
type StatusCreated struct {
	StatusID string          `json:"statusId"`
	UserID   string          `json:"userId"`
	Status   json.RawMessage `json:"status"`
}

// StatusViewed is published when ViewerID opened a post owned by OwnerID.
type StatusViewed struct {
	StatusID   string          `json:"statusId"`
	OwnerID    string          `json:"ownerId"`
	ViewerID   string          `json:"viewerId"`
	TotalViews int             `json:"totalViews"`
	Viewers    json.RawMessage `json:"viewers"`
}

// StatusLiked is published after UserID liked or unliked a post. LikedBy is
// the resulting like set.
type StatusLiked struct {
	StatusID string          `json:"statusId"`
	UserID   string          `json:"userId"`
	LikedBy  json.RawMessage `json:"likedBy"`
}

// StatusDeleted is published after the owner deleted a post.
type StatusDeleted struct {
	StatusID string `json:"statusId"`
	UserID   string `json:"userId"`
}

// decodeEvent adapts a typed event handler to a subscription callback.
func decodeEvent[T any](subject string, fn func(T)) func([]byte) {
	return func(data []byte) {
		var ev T
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Warnf("[feed] bad %s event: %v", subject, err)
			return
		}
		fn(ev)
	}
}

// StatusCreated announces the post to every connected user but its author.
func (f *Feed) StatusCreated(ev StatusCreated) {
	f.broadcast(ev.UserID, protocol.TypeNewStatus, protocol.NewStatusMsg{Status: ev.Status})
}

// StatusViewed tells the owner and the viewer about the view.
func (f *Feed) StatusViewed(ev StatusViewed) {
	f.sendTo([]string{ev.OwnerID, ev.ViewerID}, protocol.TypeStatusViewed, protocol.StatusViewedMsg{
		StatusID:   ev.StatusID,
		ViewerID:   ev.ViewerID,
		TotalViews: ev.TotalViews,
		Viewers:    ev.Viewers,
	})
}

// StatusLiked sends the new like set to every connected user but the one
// who liked.
func (f *Feed) StatusLiked(ev StatusLiked) {
	f.broadcast(ev.UserID, protocol.TypeStatusLiked, protocol.StatusLikedMsg{
		StatusID: ev.StatusID,
		LikedBy:  ev.LikedBy,
	})
}

// StatusDeleted tells every connected user but the owner the post is gone.
func (f *Feed) StatusDeleted(ev StatusDeleted) {
	f.broadcast(ev.UserID, protocol.TypeStatusDeleted, protocol.StatusDeletedMsg{StatusID: ev.StatusID})
}

func (f *Feed) broadcast(actorID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Errorf("[feed] build %s: %v", msgType, err)
		return
	}
	for _, connID := range f.locator.Connected(actorID) {
		f.push(connID, msgType, data)
	}
}

// sendTo delivers to each distinct connected user in userIDs.
func (f *Feed) sendTo(userIDs []string, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Errorf("[feed] build %s: %v", msgType, err)
		return
	}
	seen := make(map[string]bool, len(userIDs))
	for _, userID := range userIDs {
		if userID == "" || seen[userID] {
			continue
		}
		seen[userID] = true
		if connID, ok := f.locator.Lookup(userID); ok {
			f.push(connID, msgType, data)
		}
	}
}

func (f *Feed) push(connID, msgType string, data []byte) {
	if err := f.sender.SendMessage(connID, data); err != nil {
		log.WithField("conn", connID).Debugf("[feed] push %s: %v", msgType, err)
	}
}
