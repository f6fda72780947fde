package dto

import "time"

// Client-facing shapes. Kept to the minimum needed to surface what the
// federation core stores; the full client API is a thin mapping layer
// that lives elsewhere.

type NotificationView struct {
	Id         int64     `json:"id,string"`
	Kind       string    `json:"type"`
	CreatedAt  time.Time `json:"created_at"`
	Recipient  string    `json:"recipient"`
	Origin     string    `json:"origin"`
	Subject    string    `json:"subject,omitempty"`
	DeliveryId string    `json:"delivery_id"`
}

type AccountCreateReq struct {
	Handle  string `json:"handle"`
	Name    string `json:"name"`
	Summary string `json:"summary"`
	IsAdmin bool   `json:"is_admin"`
}

type AccountView struct {
	Id        int64     `json:"id,string"`
	Url       string    `json:"url"`
	Handle    string    `json:"handle"`
	Name      string    `json:"display_name"`
	Summary   string    `json:"note"`
	CreatedAt time.Time `json:"created_at"`
}
