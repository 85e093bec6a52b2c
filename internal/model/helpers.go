package model

import "time"

// UPtr returns a pointer to i
func UPtr(i int) *int {
	return &i
}

// UVal returns the int behind p, or 0 when p is nil
func UVal(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// TPtr returns a pointer to t
func TPtr(t time.Time) *time.Time {
	return &t
}

// SVal returns the string behind p, or "" when p is nil
func SVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func copyString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
