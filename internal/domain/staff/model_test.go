package staff

import (
	"testing"

	"github.com/google/uuid"

	"github.com/schoolhealth/schoolhealth/internal/platform/notification"
)

func TestMember_Recipient(t *testing.T) {
	phone := "+15550102"
	m := &Member{ID: uuid.New(), Name: "Nurse Joy", Phone: &phone, Role: "nurse", Active: true}

	r := m.Recipient()
	if r.Kind != notification.RecipientStaff {
		t.Errorf("expected staff recipient, got %s", r.Kind)
	}
	if r.Phone != phone || r.Email != "" {
		t.Errorf("unexpected address book: %+v", r)
	}
	chs := r.Channels()
	if len(chs) != 2 || chs[0] != notification.ChannelInApp || chs[1] != notification.ChannelSMS {
		t.Errorf("unexpected channels %v", chs)
	}
}
