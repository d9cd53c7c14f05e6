package board

// Selection is an ordered set of urls chosen for batch runs.
type Selection struct {
	order []string
	set   map[string]struct{}
}

// NewSelection returns an empty Selection.
func NewSelection() *Selection {
	return &Selection{set: make(map[string]struct{})}
}

// Toggle flips membership of url and reports whether it is now selected.
func (s *Selection) Toggle(url string) bool {
	if s.Has(url) {
		s.Drop(url)
		return false
	}
	s.add(url)
	return true
}

// Has reports membership.
func (s *Selection) Has(url string) bool {
	_, ok := s.set[url]
	return ok
}

// Replace sets the selection to urls, keeping their order.
func (s *Selection) Replace(urls []string) {
	s.Clear()
	for _, url := range urls {
		s.add(url)
	}
}

// Drop removes url if selected.
func (s *Selection) Drop(url string) {
	if _, ok := s.set[url]; !ok {
		return
	}
	delete(s.set, url)
	for i, u := range s.order {
		if u == url {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Clear empties the selection.
func (s *Selection) Clear() {
	s.order = nil
	s.set = make(map[string]struct{})
}

// Len returns the number of selected urls.
func (s *Selection) Len() int {
	return len(s.order)
}

// List returns a copy of the selected urls in selection order.
func (s *Selection) List() []string {
	return append([]string(nil), s.order...)
}

func (s *Selection) add(url string) {
	if _, ok := s.set[url]; ok {
		return
	}
	s.set[url] = struct{}{}
	s.order = append(s.order, url)
}
