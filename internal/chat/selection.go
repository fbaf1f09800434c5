package chat

import (
	"fmt"
	"strconv"

	"github.com/npezzotti/go-livechat/internal/settings"
	"github.com/npezzotti/go-livechat/internal/types"
)

// LoadSelection restores the viewer's display languages.
func LoadSelection(p settings.Provider) types.Selection {
	sel := types.Selection{
		IsSplit: settings.Bool(p, settings.KeyIsSplit),
		Single:  p.Get(settings.KeyLanguage),
		First:   p.Get(settings.KeyLanguageFirst),
		Second:  p.Get(settings.KeyLanguageSecond),
	}

	def := types.DefaultSelection()
	if sel.Single == "" {
		sel.Single = def.Single
	}
	if sel.First == "" {
		sel.First = def.First
	}
	if sel.Second == "" {
		sel.Second = def.Second
	}
	return sel
}

func SaveSelection(p settings.Provider, sel types.Selection) error {
	values := []struct{ key, value string }{
		{settings.KeyLanguage, sel.Single},
		{settings.KeyLanguageFirst, sel.First},
		{settings.KeyLanguageSecond, sel.Second},
		{settings.KeyIsSplit, strconv.FormatBool(sel.IsSplit)},
	}
	for _, v := range values {
		if err := p.Set(v.key, v.value); err != nil {
			return fmt.Errorf("save %s: %w", v.key, err)
		}
	}
	return nil
}
