package domain

import "strings"

// Filling — начинка, закрытый перечень ассортимента пекарни.
type Filling string

const (
	FillingPandanCustard   Filling = "pandan_custard"
	FillingEggCustard      Filling = "egg_custard"
	FillingCrabStickMayo   Filling = "crab_stick_mayo"
	FillingMilkButter      Filling = "milk_butter"
	FillingSugarButter     Filling = "sugar_butter"
	FillingChocolateBanana Filling = "chocolate_banana"
	FillingOvaltineMilk    Filling = "ovaltine_milk"
	FillingPorkFlossChili  Filling = "pork_floss_chili"
)

// fillingCatalog задаёт порядок отображения и подписи на витрине.
var fillingCatalog = []struct {
	filling Filling
	label   string
}{
	{FillingPandanCustard, "สังขยาใบเตย"},
	{FillingEggCustard, "สังขยาไข่"},
	{FillingCrabStickMayo, "ปูอัดมายองเนส"},
	{FillingMilkButter, "เนยนม"},
	{FillingSugarButter, "เนยน้ำตาล"},
	{FillingChocolateBanana, "ช็อกโกแลตกล้วย"},
	{FillingOvaltineMilk, "โอวัลตินนม"},
	{FillingPorkFlossChili, "หมูหยองพริกเผา"},
}

// Fillings возвращает все начинки в порядке отображения.
func Fillings() []Filling {
	out := make([]Filling, 0, len(fillingCatalog))
	for _, entry := range fillingCatalog {
		out = append(out, entry.filling)
	}
	return out
}

// Valid проверяет принадлежность начинки каталогу.
func (f Filling) Valid() bool {
	for _, entry := range fillingCatalog {
		if entry.filling == f {
			return true
		}
	}
	return false
}

// Label возвращает подпись начинки для витрины, а для неизвестных значений сам код.
func (f Filling) Label() string {
	for _, entry := range fillingCatalog {
		if entry.filling == f {
			return entry.label
		}
	}
	return string(f)
}

// ParseFilling принимает как код начинки, так и её подпись.
func ParseFilling(raw string) (Filling, error) {
	raw = strings.TrimSpace(raw)
	for _, entry := range fillingCatalog {
		if string(entry.filling) == strings.ToLower(raw) || entry.label == raw {
			return entry.filling, nil
		}
	}
	return "", ErrFillingUnknown
}
